package backend

import (
	"os/exec"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/domain"
)

// Info describes a backend and whether it can run here.
type Info struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Detect checks which backends the configuration can reach.
func Detect(cfg *config.Config) []Info {
	return []Info{
		{Name: "localhost", Mode: string(domain.ModeLocalhost), Available: true},
		detectStandalone(cfg.Standalone),
		detectServerless(cfg.Serverless),
	}
}

func detectStandalone(c config.StandaloneConfig) Info {
	info := Info{Name: c.Backend, Mode: string(domain.ModeStandalone)}
	if len(c.Agents) == 0 {
		info.Reason = "no agents configured (standalone.agents)"
		return info
	}
	if _, err := exec.LookPath("docker"); err != nil {
		info.Available = true
		info.Reason = "docker not found in PATH; runtime builds unavailable"
		return info
	}
	info.Available = true
	return info
}

func detectServerless(c config.ServerlessConfig) Info {
	info := Info{Name: c.Backend, Mode: string(domain.ModeServerless)}
	if c.Endpoint == "" {
		info.Reason = "no gateway endpoint configured (serverless.endpoint)"
		return info
	}
	if _, err := exec.LookPath("docker"); err != nil {
		info.Available = true
		info.Reason = "docker not found in PATH; runtime builds unavailable"
		return info
	}
	info.Available = true
	return info
}
