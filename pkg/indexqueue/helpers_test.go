package indexqueue_test

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// corruptCheckpointMarker flips the on-disk CHECKPOINT_MARKER slot (slot 4)
// to "in progress", simulating a crash that occurred between steps 2 and 6
// of the checkpoint protocol.
func corruptCheckpointMarker(t *testing.T, path string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, 1)

	const markerSlot = 4
	_, err = f.WriteAt(buf, markerSlot*8)
	require.NoError(t, err)
}
