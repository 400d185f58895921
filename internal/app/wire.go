package app

import (
	"time"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/engine"
	backupsvc "roomcrypt/internal/services/backup"
	crosssigningsvc "roomcrypt/internal/services/crosssigning"
	devicelistsvc "roomcrypt/internal/services/devicelist"
	gossipsvc "roomcrypt/internal/services/gossip"
	groupsvc "roomcrypt/internal/services/group"
	pairwisesvc "roomcrypt/internal/services/pairwise"
	"roomcrypt/internal/store"
	"roomcrypt/internal/transport"
)

// Wire bundles the store, services and engine for the CLI.
type Wire struct {
	Config    Config
	Store     *store.Store
	Transport domain.Transport
	Devices   domain.DeviceDirectory
	Trust     domain.TrustEngine
	Pairwise  domain.PairwiseManager
	Group     domain.GroupManager
	Gossip    *gossipsvc.Service
	Backup    *backupsvc.Service
	Engine    *engine.Engine
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	cfg = cfg.Defaults()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	client := transport.New(cfg.ServerURL, cfg.AccessToken)

	devices := devicelistsvc.New(st, client)
	trust := crosssigningsvc.New(st, domain.UserID(cfg.UserID))
	pw := pairwisesvc.New(st, client)
	group := groupsvc.New(groupsvc.Config{
		RotationMessageCount: cfg.RotationMessageCount,
		RotationPeriod:       cfg.RotationPeriod,
		BlacklistUnverified:  cfg.BlacklistUnverified,
	}, st, client, devices, trust, pw)
	gossip := gossipsvc.New(gossipsvc.Config{
		ShareKeysWithOwnDevices: cfg.ShareKeysWithOwnDevices,
		RetryInterval:           cfg.GossipRetryInterval,
		MaxAttempts:             cfg.GossipMaxAttempts,
		PollInterval:            10 * time.Second,
	}, st, st.Notifier(), client, devices, trust, pw)
	backup := backupsvc.New(backupsvc.Config{
		BatchSize:      cfg.BackupBatchSize,
		UploadDebounce: cfg.BackupUploadDebounce,
	}, st, st.Notifier(), client, group)

	eng := engine.New(st, st.Notifier(), client, devices, trust, pw, group, gossip, backup)

	return &Wire{
		Config:    cfg,
		Store:     st,
		Transport: client,
		Devices:   devices,
		Trust:     trust,
		Pairwise:  pw,
		Group:     group,
		Gossip:    gossip,
		Backup:    backup,
		Engine:    eng,
	}, nil
}

// Close releases the store.
func (w *Wire) Close() error {
	return w.Store.Close()
}
