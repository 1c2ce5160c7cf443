package static

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/fleetsitter/internal/providers"
	gssh "github.com/3cpo-dev/fleetsitter/internal/ssh"
)

const defaultUploadPath = "/tmp/machinesitter.upload"

type BootstrapConfig struct {
	// AgentBinary is the local machine sitter binary; empty disables
	// bootstrapping.
	AgentBinary     string                `yaml:"agent_binary"`
	UploadPath      string                `yaml:"upload_path"`
	User            string                `yaml:"user"`
	KeyPath         string                `yaml:"key_path"`
	KnownHosts      string                `yaml:"known_hosts"`
	TrustOnFirstUse bool                  `yaml:"trust_on_first_use"`
	Timeout         time.Duration         `yaml:"timeout"`
	Retry           providers.RetryConfig `yaml:"retry"`
	Unit            providers.AgentUnit   `yaml:"unit"`
}

func (c BootstrapConfig) Enabled() bool { return c.AgentBinary != "" }

// Remote is an open administrative session on a host.
type Remote interface {
	Upload(src io.Reader, remotePath string) (string, error)
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

type DialFunc func(ctx context.Context, h Host) (Remote, error)

// Bootstrapper installs and starts the machine sitter on a host.
type Bootstrapper struct {
	cfg  BootstrapConfig
	dial DialFunc
}

func NewBootstrapper(cfg BootstrapConfig) *Bootstrapper {
	b := &Bootstrapper{cfg: cfg}
	b.dial = b.dialSSH
	return b
}

// WithDialer replaces the SSH transport, mostly for tests.
func (b *Bootstrapper) WithDialer(d DialFunc) *Bootstrapper {
	b.dial = d
	return b
}

// Bootstrap uploads the sitter binary, verifies it and starts its service.
// Transient failures are retried with exponential backoff.
func (b *Bootstrapper) Bootstrap(ctx context.Context, h Host) error {
	upload := b.cfg.UploadPath
	if upload == "" {
		upload = defaultUploadPath
	}
	return providers.Retry(ctx, b.cfg.Retry, "bootstrap "+h.Address, func(ctx context.Context) error {
		bin, err := os.Open(b.cfg.AgentBinary)
		if err != nil {
			return providers.Permanent(fmt.Errorf("open agent binary: %w", err))
		}
		defer bin.Close()

		r, err := b.dial(ctx, h)
		if err != nil {
			return err
		}
		defer r.Close()

		sum, err := r.Upload(bin, upload)
		if err != nil {
			return fmt.Errorf("upload agent: %w", err)
		}
		if out, err := r.Run(ctx, providers.InstallScript(upload, b.cfg.Unit)); err != nil {
			return fmt.Errorf("install agent: %w: %s", err, out)
		}
		log.Info().Str("host", h.Address).Str("sha256", sum).Msg("Machine sitter installed")
		return nil
	})
}

func (b *Bootstrapper) dialSSH(ctx context.Context, h Host) (Remote, error) {
	signer, err := gssh.LoadPrivateKeySigner(b.cfg.KeyPath)
	if err != nil {
		return nil, providers.Permanent(err)
	}
	var hostKeys xssh.HostKeyCallback
	if b.cfg.TrustOnFirstUse {
		hostKeys, err = gssh.TrustOnFirstUse(b.cfg.KnownHosts)
	} else {
		hostKeys, err = gssh.LoadKnownHostsCallback(b.cfg.KnownHosts)
	}
	if err != nil {
		return nil, providers.Permanent(err)
	}

	user := h.User
	if user == "" {
		user = b.cfg.User
	}
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	cli, err := gssh.Dial(ctx, &gssh.Client{
		Addr:       net.JoinHostPort(h.Address, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: hostKeys,
	})
	if err != nil {
		return nil, err
	}
	return sshRemote{cli}, nil
}

type sshRemote struct{ cli *xssh.Client }

func (r sshRemote) Upload(src io.Reader, remotePath string) (string, error) {
	return gssh.UploadOverSSH(r.cli, src, remotePath)
}

func (r sshRemote) Run(ctx context.Context, command string) (string, error) {
	return gssh.Run(ctx, r.cli, command)
}

func (r sshRemote) Close() error { return r.cli.Close() }
