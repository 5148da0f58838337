package core

import (
	"encoding/json"
	"fmt"
	"os"
)

// engineConfig is the part of the proxy engine's JSON config read for
// diagnostics.
type engineConfig struct {
	Inbounds []struct {
		Tag      string `json:"tag"`
		Port     int    `json:"port"`
		Protocol string `json:"protocol"`
	} `json:"inbounds"`
}

// SocksInboundPort returns the port of the inbound tagged "socks-in" in an
// engine config file.
func SocksInboundPort(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read engine config: %w", err)
	}
	var cfg engineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("failed to parse engine config: %w", err)
	}
	for _, in := range cfg.Inbounds {
		if in.Tag == "socks-in" {
			return in.Port, nil
		}
	}
	return 0, fmt.Errorf("no socks-in inbound in %s", path)
}

// StartProxyEngine launches the proxy engine with configPath, replacing a
// running instance.
func (c *Controller) StartProxyEngine(configPath string) (string, error) {
	if _, err := os.Stat(configPath); err != nil {
		return "", fmt.Errorf("engine config not found: %w", err)
	}

	if port, err := SocksInboundPort(configPath); err != nil {
		c.log.Warnf("%v", err)
	} else {
		c.log.Infof("Engine socks-in inbound on port %d", port)
	}

	args := []string{"run", "-c", configPath}
	env := []string{"XRAY_LOCATION_ASSET=" + c.assetsDir}
	if err := c.engine.Start(c.enginePath, args, env); err != nil {
		return "", err
	}
	c.broadcastStatus()
	return fmt.Sprintf("Proxy engine started (pid %d)", c.engine.PID()), nil
}

// StopProxyEngine stops the proxy engine. It always succeeds.
func (c *Controller) StopProxyEngine() string {
	if err := c.engine.Stop(); err != nil {
		c.log.Warnf("stop proxy engine: %v", err)
	}
	c.broadcastStatus()
	return "Proxy engine stopped"
}

// IsProxyEngineRunning reports whether the controller owns a live engine
// process.
func (c *Controller) IsProxyEngineRunning() bool {
	return c.engine.IsRunning()
}

// Shutdown stops the tunnel and the proxy engine.
func (c *Controller) Shutdown() {
	c.StopTunnel()
	c.StopProxyEngine()
}
