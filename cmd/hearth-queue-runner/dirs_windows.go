// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

//go:build windows

package main

import "os"

func configDir() string {
	return os.Getenv("AppData")
}
