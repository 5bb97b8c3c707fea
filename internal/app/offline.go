package app

import (
	"errors"
	"strings"

	"chanrelay/internal/channels"
	"chanrelay/internal/config"
	"chanrelay/internal/storage"
	telegram "chanrelay/internal/transport/telegram/adapter"
	"chanrelay/pkg/logx"
)

// Offline wires the watch-list store without the relay, for editing the
// list while the service is down. Changes are picked up by the running
// service on its next resync.
type Offline struct {
	Channels *channels.Service
	store    storage.Store
}

// OpenOffline opens the configured store. With verify, channel names are
// checked against Telegram, which needs the bot token.
func OpenOffline(cfgPath string, verify bool, log logx.Logger) (*Offline, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	var resolver channels.Resolver
	if verify {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return nil, errors.New("telegram.token is required to verify names (or pass --no-verify)")
		}
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		resolver = ad
	}

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	return &Offline{
		Channels: channels.NewService(store, resolver, nil, log.With(logx.String("comp", "channels"))),
		store:    store,
	}, nil
}

func (o *Offline) Close() error { return o.store.Close() }
