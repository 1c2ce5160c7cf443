package providers

import (
	"fmt"
	"strconv"
	"strings"
)

// AgentUnit describes the systemd service that runs a machine sitter.
type AgentUnit struct {
	Name     string `yaml:"name"`
	Binary   string `yaml:"binary"`
	User     string `yaml:"user"`
	BasePort int    `yaml:"base_port"`
	LogDir   string `yaml:"log_dir"`
	Token    string `yaml:"-"`
}

func (u AgentUnit) withDefaults() AgentUnit {
	if u.Name == "" {
		u.Name = "machinesitter"
	}
	if u.Binary == "" {
		u.Binary = "/usr/local/bin/machinesitter"
	}
	if u.User == "" {
		u.User = "root"
	}
	if u.LogDir == "" {
		u.LogDir = "/var/log/machinesitter"
	}
	return u
}

// SystemdUnit renders the unit file of the machine sitter service.
func SystemdUnit(u AgentUnit) string {
	u = u.withDefaults()
	args := []string{u.Binary, "serve", "--log-dir", u.LogDir}
	if u.BasePort > 0 {
		args = append(args, "--base-port", strconv.Itoa(u.BasePort))
	}
	var env string
	if u.Token != "" {
		env = fmt.Sprintf("Environment=SITTER_AGENT_TOKEN=%s\n", u.Token)
	}
	return fmt.Sprintf(`[Unit]
Description=Fleetsitter machine sitter
After=network.target

[Service]
ExecStart=%s
User=%s
%sRestart=always
RestartSec=2

[Install]
WantedBy=multi-user.target
`, strings.Join(args, " "), u.User, env)
}

// InstallScript moves an uploaded sitter binary into place, writes its unit
// and (re)starts the service.
func InstallScript(uploaded string, u AgentUnit) string {
	u = u.withDefaults()
	unitPath := "/etc/systemd/system/" + u.Name + ".service"
	return fmt.Sprintf(`set -eu
sudo install -m 0755 %s %s
sudo mkdir -p %s
cat <<'UNIT' | sudo tee %s >/dev/null
%sUNIT
sudo systemctl daemon-reload
sudo systemctl enable %s
sudo systemctl restart %s
rm -f %s
`, uploaded, u.Binary, u.LogDir, unitPath, SystemdUnit(u), u.Name, u.Name, uploaded)
}
