package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArbIDs(t *testing.T) {
	ids, err := parseArbIDs([]string{"7e8", "0x18DAF110", "100"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x7e8, 0x18daf110, 0x100}, ids)

	_, err = parseArbIDs([]string{"zz"})
	assert.Error(t, err)
	_, err = parseArbIDs([]string{"20000000"})
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	start, stop, err := window([]string{"capture.sess"})
	require.NoError(t, err)
	assert.Equal(t, 0, start)
	assert.Equal(t, -1, stop)

	start, stop, err = window([]string{"capture.sess", "10", "20"})
	require.NoError(t, err)
	assert.Equal(t, 10, start)
	assert.Equal(t, 20, stop)

	_, _, err = window([]string{"capture.sess", "x"})
	assert.Error(t, err)
}
