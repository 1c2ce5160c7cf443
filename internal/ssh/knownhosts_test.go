package ssh

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func newPublicKey(t *testing.T) (string, xssh.PublicKey) {
	t.Helper()
	priv := filepath.Join(t.TempDir(), "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	require.NoError(t, err)
	return pub, key
}

func TestKnownHostsAppend(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	pub, key := newPublicKey(t)
	require.NoError(t, AppendKnownHost(kh, "example.com", pub))

	b, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.Contains(t, string(b), "example.com ssh-ed25519")

	cb, err := LoadKnownHostsCallback(kh)
	require.NoError(t, err)
	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}
	assert.NoError(t, cb("example.com:22", remote, key))
	assert.Error(t, cb("other.example.com:22", remote, key))
}

func TestTrustOnFirstUse(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	_, key := newPublicKey(t)
	_, other := newPublicKey(t)
	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 22}

	cb, err := TrustOnFirstUse(kh)
	require.NoError(t, err)
	require.NoError(t, cb("m1.internal:22", remote, key))
	require.NoError(t, cb("m1.internal:22", remote, key))

	// a changed key is never silently accepted
	assert.Error(t, cb("m1.internal:22", remote, other))
}
