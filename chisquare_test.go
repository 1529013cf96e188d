// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"fmt"

	"gopkg.in/check.v1"
)

type pvalueSuite struct{}

var _ = check.Suite(&pvalueSuite{})

func (s *pvalueSuite) TestPvalue(c *check.C) {
	a := make([]bool, 54)
	b := make([]bool, 54)
	for i := 0; i < 25; i++ {
		a[i] = true
		b[i] = true
	}
	for i := 25; i < 31; i++ {
		a[i] = true
	}
	for i := 31; i < 39; i++ {
		b[i] = true
	}
	c.Check(fmt.Sprintf("%.7f", pvalue(a, b)), check.Equals, "0.0006297")
	for i := range a {
		a[i] = !a[i]
	}
	c.Check(fmt.Sprintf("%.7f", pvalue(a, b)), check.Equals, "0.0006297")
}

func (s *pvalueSuite) TestPvalueNoAssociation(c *check.C) {
	a := make([]bool, 40)
	b := make([]bool, 40)
	for i := range a {
		a[i] = i%2 == 0
		b[i] = i%4 < 2
	}
	c.Check(pvalue(a, b), check.Equals, 1.0)
	c.Check(pvalue(a, make([]bool, 40)), check.Equals, 1.0)
}
