package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"botvisor/internal/models"
)

const (
	botKeyPrefix = "bot:"
	botSeqKey    = "seq:bot"
)

// botRecord is the persisted form; models.Bot hides the secret from JSON.
type botRecord struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Code          string     `json:"code"`
	Secret        string     `json:"secret"`
	Online        bool       `json:"online"`
	Deployed      bool       `json:"deployed"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toRecord(b *models.Bot) botRecord {
	return botRecord{
		ID: b.ID, Name: b.Name, Code: b.Code, Secret: b.Secret,
		Online: b.Online, Deployed: b.Deployed, LastHeartbeat: b.LastHeartbeat,
		CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt,
	}
}

func (r botRecord) bot() *models.Bot {
	return &models.Bot{
		ID: r.ID, Name: r.Name, Code: r.Code, Secret: r.Secret,
		Online: r.Online, Deployed: r.Deployed, LastHeartbeat: r.LastHeartbeat,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// Zero-padded so prefix iteration yields ascending ids.
func botKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", botKeyPrefix, id))
}

// Badger is an embedded key-value Store.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadger opens a store at dir; an empty dir keeps everything in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(botSeqKey), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bot id sequence: %w", err)
	}
	return &Badger{db: db, seq: seq}, nil
}

const maxConflictRetries = 64

// update retries fn when a concurrent transaction touched the same keys.
func (s *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		if err = s.db.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readRecord(txn *badger.Txn, id int64) (*botRecord, error) {
	item, err := txn.Get(botKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	var rec botRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode bot %d: %w", id, err)
	}
	return &rec, nil
}

func writeRecord(txn *badger.Txn, rec botRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal bot: %w", err)
	}
	return txn.Set(botKey(rec.ID), data)
}

func (s *Badger) GetBot(_ context.Context, id int64) (*models.Bot, error) {
	var rec *botRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.bot(), nil
}

func (s *Badger) UpdateBot(_ context.Context, id int64, patch models.BotPatch) (*models.Bot, error) {
	var out *models.Bot
	err := s.update(func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}
		b := rec.bot()
		patch.Apply(b)
		b.UpdatedAt = time.Now().UTC()
		out = b
		return writeRecord(txn, toRecord(b))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Badger) nextID() (int64, error) {
	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("next bot id: %w", err)
		}
		if n == 0 {
			continue
		}
		id := int64(n)
		if _, err := s.GetBot(context.Background(), id); errors.Is(err, ErrBotNotFound) {
			return id, nil
		}
	}
}

func (s *Badger) PutBot(_ context.Context, bot *models.Bot) (*models.Bot, error) {
	if err := validate(bot); err != nil {
		return nil, err
	}
	id := bot.ID
	if id == 0 {
		var err error
		if id, err = s.nextID(); err != nil {
			return nil, err
		}
	}

	var out *models.Bot
	err := s.update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		b := &models.Bot{ID: id, CreatedAt: now}
		rec, err := readRecord(txn, id)
		switch {
		case err == nil:
			b = rec.bot()
		case !errors.Is(err, ErrBotNotFound):
			return err
		}
		b.Name = bot.Name
		b.Code = bot.Code
		b.Secret = bot.Secret
		b.UpdatedAt = now
		out = b
		return writeRecord(txn, toRecord(b))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Badger) ListBots(_ context.Context) ([]models.Bot, error) {
	var out []models.Bot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(botKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec botRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, *rec.bot())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return out, nil
}

func (s *Badger) DeleteBot(_ context.Context, id int64) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := readRecord(txn, id); err != nil {
			return err
		}
		return txn.Delete(botKey(id))
	})
}

func (s *Badger) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}
