package ethprovider

import (
	"encoding/json"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// handleConfig services the ConfigAction sub-interface, restricted to
// processes holding the kernel's root capability (spec.md §4.E, §6).
func (e *Endpoint) handleConfig(km types.KernelMessage) {
	if !e.caps.Has(km.Source.Process, types.RootCap(e.ourNode)) {
		e.reply(km, EthResponse{Ok: false, Error: types.ErrPermissionDenied.Error()})
		return
	}
	var cfg ConfigRequest
	if err := json.Unmarshal(km.Message.Request.Body, &cfg); err != nil {
		e.reply(km, EthResponse{Ok: false, Error: types.ErrMalformedRequest.Error()})
		return
	}

	switch cfg.Action {
	case ConfigAddProvider:
		if cfg.Provider == nil {
			e.reply(km, EthResponse{Ok: false, Error: types.ErrMalformedRequest.Error()})
			return
		}
		e.mgr.AddProvider(cfg.ChainID, *cfg.Provider)
		e.persist()
		e.reply(km, EthResponse{Ok: true})
	case ConfigRemoveProvider:
		if cfg.Provider == nil {
			e.reply(km, EthResponse{Ok: false, Error: types.ErrMalformedRequest.Error()})
			return
		}
		e.mgr.RemoveProvider(cfg.ChainID, *cfg.Provider)
		e.persist()
		e.reply(km, EthResponse{Ok: true})
	case ConfigSetProviders:
		for _, p := range cfg.Providers {
			e.mgr.AddProvider(cfg.ChainID, p)
		}
		e.persist()
		e.reply(km, EthResponse{Ok: true})
	case ConfigGetProviders:
		b, _ := json.Marshal(e.mgr.Providers(cfg.ChainID))
		e.reply(km, EthResponse{Ok: true, Result: b})
	case ConfigSetPublic:
		e.accessMu.Lock()
		e.access.Public = true
		e.accessMu.Unlock()
		e.persistAccess()
		e.reply(km, EthResponse{Ok: true})
	case ConfigSetPrivate:
		e.accessMu.Lock()
		e.access.Public = false
		e.accessMu.Unlock()
		e.persistAccess()
		e.reply(km, EthResponse{Ok: true})
	case ConfigAllowNode:
		e.accessMu.Lock()
		if !contains(e.access.Allow, cfg.Node) {
			e.access.Allow = append(e.access.Allow, cfg.Node)
		}
		e.accessMu.Unlock()
		e.persistAccess()
		e.reply(km, EthResponse{Ok: true})
	case ConfigUnallowNode:
		e.accessMu.Lock()
		e.access.Allow = removeString(e.access.Allow, cfg.Node)
		e.accessMu.Unlock()
		e.persistAccess()
		e.reply(km, EthResponse{Ok: true})
	case ConfigDenyNode:
		e.accessMu.Lock()
		if !contains(e.access.Deny, cfg.Node) {
			e.access.Deny = append(e.access.Deny, cfg.Node)
		}
		e.accessMu.Unlock()
		e.persistAccess()
		e.reply(km, EthResponse{Ok: true})
	case ConfigUndenyNode:
		e.accessMu.Lock()
		e.access.Deny = removeString(e.access.Deny, cfg.Node)
		e.accessMu.Unlock()
		e.persistAccess()
		e.reply(km, EthResponse{Ok: true})
	case ConfigGetAccessSettings:
		e.accessMu.Lock()
		b, _ := json.Marshal(e.access)
		e.accessMu.Unlock()
		e.reply(km, EthResponse{Ok: true, Result: b})
	case ConfigGetState:
		b, _ := json.Marshal(e.dumpState())
		e.reply(km, EthResponse{Ok: true, Result: b})
	default:
		e.reply(km, EthResponse{Ok: false, Error: types.ErrMalformedRequest.Error()})
	}
}

func (e *Endpoint) persist() {
	if err := e.mgr.SaveProviders(e.dir); err != nil {
		e.log.WithError(err).Warn("failed to persist providers")
	}
}

func (e *Endpoint) persistAccess() {
	e.accessMu.Lock()
	settings := e.access
	e.accessMu.Unlock()
	if err := SaveAccessSettings(e.dir, settings); err != nil {
		e.log.WithError(err).Warn("failed to persist access settings")
	}
}

type stateDump struct {
	Access    AccessSettings        `json:"access"`
	Providers map[uint64][]Provider `json:"providers"`
}

func (e *Endpoint) dumpState() stateDump {
	e.accessMu.Lock()
	access := e.access
	e.accessMu.Unlock()

	e.mgr.mu.Lock()
	providers := make(map[uint64][]Provider, len(e.mgr.chains))
	for chainID, cp := range e.mgr.chains {
		providers[chainID] = cp.list()
	}
	e.mgr.mu.Unlock()

	return stateDump{Access: access, Providers: providers}
}
