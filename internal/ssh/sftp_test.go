package ssh

import (
	"io"
	"net"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemSFTP(t *testing.T) *sftp.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func TestUploadVerifiesChecksum(t *testing.T) {
	sf := newMemSFTP(t)
	payload := strings.Repeat("machinesitter binary ", 4096)

	sum, err := Upload(sf, strings.NewReader(payload), "/tmp/upload/machinesitter")
	require.NoError(t, err)

	want, err := Checksum(strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, want, sum)

	f, err := sf.Open("/tmp/upload/machinesitter")
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, payload, string(b))
}

func TestChecksumKnownValue(t *testing.T) {
	sum, err := Checksum(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)
}
