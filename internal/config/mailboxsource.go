package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/pkg/types"
)

// seedFile is the on-disk TOML shape of a mailbox seed list, the local/dev
// stand-in for the external credential store named in spec §6.
type seedFile struct {
	Mailbox []seedMailbox `toml:"mailbox"`
}

type seedMailbox struct {
	ID            string `toml:"id"`
	Address       string `toml:"address"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	Active        bool   `toml:"active"`
	Owner         string `toml:"owner"`
	DailySendUsed int    `toml:"daily_send_used"`
}

// MailboxSource is the query surface spec §6 describes: a way to fetch the
// currently active mailboxes. Implementations may be backed by a file (as
// here), a relational store, or an HTTP API — the control plane depends
// only on this interface.
type MailboxSource interface {
	Load() ([]types.Mailbox, error)
}

// FileMailboxSource reads a TOML seed file and optionally watches it with
// fsnotify so a changed file is picked up without a restart — the concrete
// mechanism behind spec §3's "refreshed periodically" for mailbox records
// (SPEC_FULL.md §A).
type FileMailboxSource struct {
	path   string
	logger *logrus.Logger

	mu        sync.RWMutex
	mailboxes []types.Mailbox

	watcher *fsnotify.Watcher
	onChange func([]types.Mailbox)
	stopCh   chan struct{}
}

// NewFileMailboxSource loads path once synchronously and returns a source
// ready to be watched with Watch.
func NewFileMailboxSource(path string, logger *logrus.Logger) (*FileMailboxSource, error) {
	s := &FileMailboxSource{path: path, logger: logger, stopCh: make(chan struct{})}
	mailboxes, err := readSeedFile(path)
	if err != nil {
		return nil, err
	}
	s.mailboxes = mailboxes
	return s, nil
}

func readSeedFile(path string) ([]types.Mailbox, error) {
	var f seedFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode mailbox seed file %s: %w", path, err)
	}

	now := time.Now()
	out := make([]types.Mailbox, 0, len(f.Mailbox))
	for _, m := range f.Mailbox {
		out = append(out, types.Mailbox{
			ID:            m.ID,
			Address:       m.Address,
			Host:          m.Host,
			Port:          m.Port,
			Username:      m.Username,
			Password:      m.Password,
			Active:        m.Active,
			Owner:         m.Owner,
			CreatedAt:     now,
			UpdatedAt:     now,
			DailySendUsed: m.DailySendUsed,
		})
	}
	return out, nil
}

// Load returns the last-read snapshot of active mailboxes.
func (s *FileMailboxSource) Load() ([]types.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Mailbox, 0, len(s.mailboxes))
	for _, m := range s.mailboxes {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

// Watch starts an fsnotify watch on the seed file and invokes onChange
// with the freshly reloaded mailbox list whenever the file is rewritten.
// It returns immediately; call Stop to tear the watch down.
func (s *FileMailboxSource) Watch(onChange func([]types.Mailbox)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create mailbox seed watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close() //nolint:errcheck
		return fmt.Errorf("failed to watch mailbox seed file %s: %w", s.path, err)
	}
	s.watcher = watcher
	s.onChange = onChange

	go s.watchLoop()
	return nil
}

func (s *FileMailboxSource) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mailboxes, err := readSeedFile(s.path)
			if err != nil {
				s.logger.WithError(err).Warn("Failed to reload mailbox seed file")
				continue
			}
			s.mu.Lock()
			s.mailboxes = mailboxes
			s.mu.Unlock()
			if s.onChange != nil {
				active := make([]types.Mailbox, 0, len(mailboxes))
				for _, m := range mailboxes {
					if m.Active {
						active = append(active, m)
					}
				}
				s.onChange(active)
			}
			s.logger.WithField("path", s.path).Info("Reloaded mailbox seed file")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("Mailbox seed watcher error")
		case <-s.stopCh:
			return
		}
	}
}

// Stop tears down the watch, if one was started.
func (s *FileMailboxSource) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close() //nolint:errcheck
	}
}

// pathExists is a small helper used by the bootstrap to decide whether to
// construct a FileMailboxSource at all (MAILBOX_SEED_PATH is optional).
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PathExists reports whether path names an existing file.
func PathExists(path string) bool { return pathExists(path) }
