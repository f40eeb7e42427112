// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Command tenantdb runs the tenant-isolated database access service and
// offers a few administrative commands against the same platform state.
//
// Usage:
//
//	tenantdb serve --config tenantdb.yaml
//	tenantdb connections add --project web --engine postgres --host db.internal --credential username=app --credential password=secret
//	tenantdb connections list --project web
//	tenantdb sessions issue --user alice
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
