package roster

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmedgyes/charon-proxy/pkg/api"
)

const statusV2 = `TITLE,OpenVPN 2.5.9 x86_64-pc-linux-gnu
TIME,2024-05-01 10:00:00,1714557600
HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID,Data Channel Cipher
CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.5,,1024,2048,2024-05-01 09:00:00,1714554000,UNDEF,0,0,AES-256-GCM
CLIENT_LIST,bob,198.51.100.2:40000,10.8.0.6,,10,20,2024-05-01 09:30:00,1714555800,UNDEF,1,1,AES-256-GCM
HEADER,ROUTING_TABLE,Virtual Address,Common Name,Real Address,Last Ref,Last Ref (time_t)
ROUTING_TABLE,10.8.0.5,alice,203.0.113.7:51234,2024-05-01 10:00:00,1714557600
GLOBAL_STATS,Max bcast/mcast queue length,0
END
`

func TestParseStatus_V2(t *testing.T) {
	entries, skipped, err := ParseStatus(strings.NewReader(statusV2))
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, entries, 2)

	assert.Equal(t, "alice", entries[0].UserIdentity)
	assert.Equal(t, "10.8.0.5", entries[0].NetworkAddress)
	assert.Equal(t, "203.0.113.7:51234", entries[0].RealAddress)
	assert.Equal(t, time.Unix(1714554000, 0).UTC(), entries[0].ConnectedSince)

	assert.Equal(t, "bob", entries[1].UserIdentity)
	assert.Equal(t, "10.8.0.6", entries[1].NetworkAddress)
}

func TestParseStatus_HeaderDefinesOrder(t *testing.T) {
	// Columns reordered: the header row, not position, decides what is what
	status := "HEADER,CLIENT_LIST,Virtual Address,Common Name,Real Address\n" +
		"CLIENT_LIST,10.8.0.9,carol,192.0.2.1:1194\n"

	entries, skipped, err := ParseStatus(strings.NewReader(status))
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	assert.Equal(t, []api.RosterEntry{
		{UserIdentity: "carol", NetworkAddress: "10.8.0.9", RealAddress: "192.0.2.1:1194"},
	}, entries)
}

func TestParseStatus_V3Tabs(t *testing.T) {
	status := "HEADER\tCLIENT_LIST\tCommon Name\tReal Address\tVirtual Address\n" +
		"CLIENT_LIST\talice\t203.0.113.7:51234\t10.8.0.5\n"

	entries, _, err := ParseStatus(strings.NewReader(status))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.8.0.5", entries[0].NetworkAddress)
}

func TestParseStatus_SkipsMalformedRows(t *testing.T) {
	status := "HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address\n" +
		"CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.5\n" +
		"CLIENT_LIST,truncated,203.0.113.8:1\n" +
		"CLIENT_LIST,,203.0.113.9:1,10.8.0.7\n" +
		"CLIENT_LIST,dave,203.0.113.10:1,not-an-ip\n" +
		"\n" +
		"garbage line without tag\n"

	entries, skipped, err := ParseStatus(strings.NewReader(status))
	require.NoError(t, err)
	assert.Equal(t, 3, skipped)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].UserIdentity)
}

func TestParseStatus_SkipsOverlongLines(t *testing.T) {
	routes := "ROUTING_TABLE," + strings.Repeat("10.8.0.5,", 70*1024/9)
	huge := "ROUTING_TABLE," + strings.Repeat("x", maxLineLength+1)
	status := "HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address\n" +
		"CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.5\n" +
		routes + "\n" +
		huge + "\n" +
		"CLIENT_LIST,bob,198.51.100.2:40000,10.8.0.6\n"

	entries, skipped, err := ParseStatus(strings.NewReader(status))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].UserIdentity)
	assert.Equal(t, "bob", entries[1].UserIdentity)
}

func TestParseStatus_NoHeaderUsesDefaultOrder(t *testing.T) {
	status := "CLIENT_LIST,alice,203.0.113.7:51234,10.8.0.5,,1,2\n"

	entries, skipped, err := ParseStatus(strings.NewReader(status))
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.8.0.5", entries[0].NetworkAddress)
}

func TestParseStatus_IPv6Only(t *testing.T) {
	status := "HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address\n" +
		"CLIENT_LIST,erin,203.0.113.7:51234,,fd00::1000\n"

	entries, _, err := ParseStatus(strings.NewReader(status))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fd00::1000", entries[0].NetworkAddress)
}

func TestParseStatus_Empty(t *testing.T) {
	entries, skipped, err := ParseStatus(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, skipped)
}

func TestStatusFileReader_ListConnectedClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openvpn-status.log")
	require.NoError(t, os.WriteFile(path, []byte(statusV2), 0o600))

	reader := NewStatusFileReader(path)
	entries, err := reader.ListConnectedClients(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStatusFileReader_MissingFile(t *testing.T) {
	reader := NewStatusFileReader(filepath.Join(t.TempDir(), "missing.log"))
	_, err := reader.ListConnectedClients(context.Background())
	assert.Error(t, err)
}

func TestStatusFileReader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := NewStatusFileReader("/does/not/matter")
	_, err := reader.ListConnectedClients(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
