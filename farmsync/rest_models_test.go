// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 30, 45, 123456000, time.UTC)
	cursor := FormatCursor(at)

	parsed, err := ParseCursor(cursor)
	require.NoError(t, err)
	require.True(t, parsed.Equal(at))
}

func TestParseCursorEmpty(t *testing.T) {
	parsed, err := ParseCursor("")
	require.NoError(t, err)
	require.True(t, parsed.IsZero())
}

func TestParseCursorInvalid(t *testing.T) {
	_, err := ParseCursor("not-a-timestamp")
	require.Error(t, err)
}

func TestFormatCursorNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	at := time.Date(2026, 3, 15, 15, 0, 0, 0, loc)

	parsed, err := ParseCursor(FormatCursor(at))
	require.NoError(t, err)
	require.True(t, parsed.Equal(at))
	require.Equal(t, time.UTC, parsed.Location())
}
