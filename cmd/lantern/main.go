// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/arvados/lantern"
)

func main() {
	lantern.Main()
}
