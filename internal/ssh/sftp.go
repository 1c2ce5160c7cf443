package ssh

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Checksum returns the hex sha256 of everything read from r.
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Upload writes src to remotePath and verifies the transfer by reading the
// remote file back. A file that fails verification is removed. It returns
// the sha256 of the uploaded content.
func Upload(sf *sftp.Client, src io.Reader, remotePath string) (string, error) {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create remote: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, h)); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close remote: %w", err)
	}
	want := hex.EncodeToString(h.Sum(nil))

	rf, err := sf.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("reopen remote: %w", err)
	}
	got, err := Checksum(rf)
	_ = rf.Close()
	if err != nil {
		return "", fmt.Errorf("read back: %w", err)
	}
	if got != want {
		_ = sf.Remove(remotePath)
		return "", fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return want, nil
}

// UploadOverSSH opens an SFTP session on client and uploads src.
func UploadOverSSH(client *xssh.Client, src io.Reader, remotePath string) (string, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return Upload(sf, src, remotePath)
}
