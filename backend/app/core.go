package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/logging"
	"bilibililivetools/livetts/backend/service/bilibili"
	"bilibililivetools/livetts/backend/service/notify"
	"bilibililivetools/livetts/backend/service/reader"
	"bilibililivetools/livetts/backend/service/speech"
	"bilibililivetools/livetts/backend/store"
)

// core is the reader stack shared by the server and the headless listener.
type core struct {
	cfgManager *config.Manager
	logger     *logging.Manager
	store      *store.Store
	hub        *notify.Hub
	bilibili   *bilibili.Client
	reader     *reader.Reader
}

// newCore builds logging, discovery, speech and the reader. With persist set
// it also opens the sqlite store for notifications, sessions and API errors.
func newCore(cfgManager *config.Manager, persist bool) (*core, error) {
	if cfgManager == nil {
		return nil, errors.New("config manager is required")
	}
	cfg := cfgManager.Current()
	loggerMgr, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	cfgManager.SetLogger(loggerMgr.Named("config"))
	log := loggerMgr.Named("app")
	log.Infof("using config file: %s", cfg.ConfigFile)

	c := &core{cfgManager: cfgManager, logger: loggerMgr}
	if persist {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			_ = loggerMgr.Close()
			return nil, err
		}
		c.store, err = store.Open(cfg.DBPath)
		if err != nil {
			_ = loggerMgr.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	var persister notify.Persister
	var recorder reader.SessionRecorder
	if c.store != nil {
		persister = c.store
		recorder = c.store
	}
	c.hub = notify.NewHub(persister, loggerMgr.Named("notify"))

	c.bilibili = bilibili.New(bilibili.Options{
		Cookie:     cfg.SessionCookie,
		RatePerSec: cfg.APIRatePerSec,
		Logger:     loggerMgr.Named("bilibili"),
		OnLogin:    c.saveLoginCookie,
		OnFailure:  c.recordAPIFailure,
	})

	synth, err := speech.NewSynthesizer(cfg.TTS, nil)
	if err != nil {
		// The queue reports every item as failed until a usable backend is saved.
		log.Errorf("tts backend %q not usable: %v", cfg.TTS.Mode, err)
		synth = nil
	}
	c.reader = reader.New(reader.Options{
		Resolver:    c.bilibili,
		Synthesizer: synth,
		Config:      cfg,
		Hub:         c.hub,
		Recorder:    recorder,
		Logger:      loggerMgr.Named("reader"),
	})

	cfgManager.AddListener(func(newCfg config.Config) {
		if err := loggerMgr.Update(newCfg); err != nil {
			log.Warnf("update logger failed: %v", err)
		}
		c.bilibili.SetCookie(newCfg.SessionCookie)
		c.bilibili.SetRate(newCfg.APIRatePerSec)
		c.reader.ApplyConfig(newCfg)
		log.Infof("hot reload applied from %s", newCfg.ConfigFile)
	})
	return c, nil
}

func (c *core) saveLoginCookie(cookie string) {
	cfg := c.cfgManager.Current()
	cfg.SessionCookie = cookie
	if _, err := c.cfgManager.Save(cfg); err != nil {
		c.hub.Notify(store.LevelError, "account", fmt.Sprintf("save login cookie failed: %v", err))
		return
	}
	c.hub.Notify(store.LevelInfo, "account", "qr login succeeded, session cookie saved")
}

func (c *core) recordAPIFailure(f bilibili.Failure) {
	if c.store == nil {
		return
	}
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.CreateBilibiliAPIErrorLog(ctx, store.BilibiliAPIErrorLog{
		Endpoint:     f.Endpoint,
		Stage:        f.Stage,
		HTTPStatus:   f.HTTPStatus,
		Attempt:      f.Attempt,
		Retryable:    f.Retryable,
		ResponseBody: f.Body,
		ErrorMessage: message,
	}); err != nil {
		c.logger.Named("bilibili").Warnf("record api failure failed: %v", err)
	}
}

// autoConnect opens the first configured room when autoConnect is set.
func (c *core) autoConnect(ctx context.Context) {
	cfg := c.cfgManager.Current()
	if !cfg.AutoConnect || len(cfg.RoomIDs) == 0 {
		c.logger.Named("app").Infof("startup auto connect skipped (autoConnect=%t, rooms=%d)", cfg.AutoConnect, len(cfg.RoomIDs))
		return
	}
	if err := c.reader.Connect(ctx, cfg.RoomIDs[0]); err != nil {
		c.logger.Named("app").Warnf("startup connect to room %d failed: %v", cfg.RoomIDs[0], err)
	}
}

func (c *core) close() error {
	c.reader.Shutdown()
	c.hub.Close()
	var storeErr error
	if c.store != nil {
		storeErr = c.store.Close()
	}
	_ = c.logger.Close()
	return storeErr
}

// Listen connects to roomID (or the first configured room) without the HTTP
// surface and blocks until ctx is done.
func Listen(ctx context.Context, cfgManager *config.Manager, roomID int64) error {
	c, err := newCore(cfgManager, false)
	if err != nil {
		return err
	}
	defer c.close()
	cfgManager.StartWatching()
	defer cfgManager.StopWatching()
	c.reader.Start()

	if roomID <= 0 {
		if ids := cfgManager.Current().RoomIDs; len(ids) > 0 {
			roomID = ids[0]
		}
	}
	if err := c.reader.Connect(ctx, roomID); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
