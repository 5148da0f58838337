package core

import (
	"errors"

	"github.com/user/tunnel-client/internal/config"
	"github.com/user/tunnel-client/internal/killswitch"
	"github.com/user/tunnel-client/internal/logger"
	"github.com/user/tunnel-client/internal/netcfg"
	"github.com/user/tunnel-client/internal/routing"
	"github.com/user/tunnel-client/internal/teardown"
)

// EmergencyCleanup reverts host changes a crashed earlier run may have
// left behind: the tunnel helper, the kill switch rules and the stale
// tunnel default routes. It must run before any session is started. Every
// step is best effort and the returned errors are informational.
func EmergencyCleanup(cfg *config.Config, backend netcfg.Backend, log logger.Sink) []error {
	if log == nil {
		log = logger.Default()
	}
	log = logger.WithPrefix(log, "Cleanup")

	stale, err := cfg.Routing.Gateways()
	if err != nil {
		return []error{err}
	}
	lan, err := cfg.KillSwitch.Prefixes()
	if err != nil {
		return []error{err}
	}
	ks, err := killswitch.New(backend, killswitch.Config{Prefix: cfg.KillSwitch.RulePrefix, LANRanges: lan}, log)
	if err != nil {
		return []error{err}
	}
	routes := routing.NewManager(backend, cfg.Routing.BypassMetric, stale, log)

	log.Infof("Running emergency cleanup...")
	errs := teardown.Run(log,
		teardown.Step{
			Name: "kill " + cfg.Helper.ProcessName,
			Do:   func() error { return backend.KillByName(cfg.Helper.ProcessName) },
		},
		teardown.Step{
			Name: "disable kill switch",
			Do:   func() error { return errors.Join(ks.Disable()...) },
		},
		teardown.Step{
			Name: "remove stale default routes",
			Do:   func() error { return errors.Join(routes.CleanupStaleDefaults()...) },
		},
	)
	log.Infof("Emergency cleanup done")
	return errs
}
