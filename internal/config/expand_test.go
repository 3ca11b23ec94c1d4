// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandEnvSubstitutesAndDefaults(t *testing.T) {
	t.Setenv("TAILER_TEST_VAR", "hello")

	out, err := ExpandEnv("path=${TAILER_TEST_VAR}/logs")
	require.NoError(t, err)
	require.Equal(t, "path=hello/logs", out)

	out, err = ExpandEnv("path=${TAILER_TEST_MISSING:/var/log}")
	require.NoError(t, err)
	require.Equal(t, "path=/var/log", out)
}

func TestExpandEnvEscapesDollarDollar(t *testing.T) {
	out, err := ExpandEnv("literal=$$100")
	require.NoError(t, err)
	require.Equal(t, "literal=$100", out)
}

func TestExpandEnvMissingWithoutDefaultErrors(t *testing.T) {
	_, err := ExpandEnv("${TAILER_TEST_TOTALLY_UNSET}")
	require.Error(t, err)
}

func TestExpandEnvUnterminatedErrors(t *testing.T) {
	_, err := ExpandEnv("${UNTERMINATED")
	require.Error(t, err)
}
