package ca

import (
	"time"

	"github.com/named-data/ndnd/std/log"

	"github.com/named-data/ndncert/ca/defn"
	"github.com/named-data/ndncert/ca/storage"
)

// Sweeper periodically reclaims dead requests: handshakes that never
// selected a challenge within the idle window, and terminal requests
// past the retention window.
type Sweeper struct {
	cfg   *Config
	store storage.Store
	stop  chan struct{}
	done  chan struct{}
}

func NewSweeper(cfg *Config, store storage.Store) *Sweeper {
	return &Sweeper{
		cfg:   cfg,
		store: store,
	}
}

func (s *Sweeper) String() string {
	return "ca-sweeper"
}

func (s *Sweeper) Start() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

// Sweep runs one reclamation pass at the given time.
func (s *Sweeper) Sweep(now time.Time) {
	recs, err := s.store.ListRequests()
	if err != nil {
		log.Warn(s, "Unable to list requests", "err", err)
		return
	}

	for _, rec := range recs {
		var reap bool
		switch {
		case rec.Status == defn.StatusBeforeChallenge:
			reap = now.Sub(rec.Updated) > s.cfg.IdleWindow()
		case rec.Status.Terminal():
			reap = now.Sub(rec.Updated) > s.cfg.RetentionWindow()
		}
		if !reap {
			continue
		}

		// Mark ENDED first so a concurrent round observes the
		// request as finished rather than missing.
		rec.Status = defn.StatusEnded
		rec.Updated = now
		if err := s.store.UpdateRequest(rec); err != nil {
			continue
		}
		if err := s.store.DeleteRequest(rec.RequestId); err != nil {
			log.Warn(s, "Unable to delete request", "request", rec.RequestId, "err", err)
			continue
		}
		log.Debug(s, "Reclaimed request", "request", rec.RequestId)
	}
}
