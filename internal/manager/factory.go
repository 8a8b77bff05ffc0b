package manager

import (
	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/supervisor"
)

// ProcessFactory builds child-process backends from the service settings.
func ProcessFactory(svc config.ServiceConfig) Factory {
	return func(info *discovery.BackendInfo, bc config.BackendConfig) backend.Backend {
		t := config.DefaultTimeouts()
		if bc.Timeouts != nil {
			t = *bc.Timeouts
		}
		p := supervisor.New(info.Descriptor(bc.Arguments), supervisor.Options{
			SocketDir:       svc.SocketDir,
			ProviderPath:    svc.ProviderPath,
			WorkDir:         svc.WorkDir,
			RegisterTimeout: t.Register,
			WaitTimeout:     t.Wait,
			KillTimeout:     t.Kill,
			SendTimeout:     t.Send,
		})
		p.SetLogger(log.WithBackend(info.Identifier))
		return p
	}
}
