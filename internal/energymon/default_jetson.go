// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build energymon_default_jetson

package energymon

const DefaultKind = Jetson
