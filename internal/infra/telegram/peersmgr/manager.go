// Package peersmgr — пиры и состояние апдейтов бота поверх одного bbolt-файла.
// Сервис отвечает за:
//   - открытие/закрытие базы (BOT_STATE_FILE);
//   - персистентное хранилище пиров: access hash владельцев, чтобы бот мог написать
//     владельцу сам, без входящего сообщения (уведомление об истёкшей попытке);
//   - хранилище состояния updates.Manager (pts/qts/seq), чтобы после рестарта
//     бот догнал пропущенные сообщения;
//   - менеджер пиров в памяти (peers.Manager) как AccessHasher для updates.Manager.
package peersmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"

	"telegram-presence-bot/internal/infra/storage"
)

const (
	peersBucketName             = "peers"
	dbOpenTimeout               = time.Second
	dbFileMode      os.FileMode = 0o600
)

var peersBucketBytes = []byte(peersBucketName)

// ErrUnknownUser — у бота нет access hash пользователя: тот ещё ни разу не писал.
var ErrUnknownUser = errors.New("peersmgr: user is not known to the bot")

// Service инкапсулирует менеджер пиров и bbolt-хранилища.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	state tgupdates.StateStorage
	Mgr   *peers.Manager
}

// New открывает bbolt по dbPath и готовит хранилища. Сетевых запросов не делает.
func New(api *tg.Client, dbPath string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("peersmgr: %w", err)
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peersmgr: open db: %w", err)
	}

	return &Service{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		state: bboltdb.NewStateStorage(db),
		Mgr:   (peers.Options{}).Build(api),
	}, nil
}

// Close закрывает файл базы данных.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// StateStorage — хранилище состояния для updates.Manager.
func (s *Service) StateStorage() tgupdates.StateStorage {
	return s.state
}

// LoadFromStorage прогружает сохранённых пользователей из bbolt в peers.Manager.
// Битый bucket (смена формата) пересоздаётся: пиры снова накопятся из апдейтов.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			return s.resetPeersBucket()
		}
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	for iter.Next(ctx) {
		value := iter.Value()
		if value.Key.Kind != dialogs.User {
			continue
		}
		user := value.User
		if user == nil {
			user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
		}
		users = append(users, user)
	}
	if err = iter.Err(); err != nil {
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, nil)
}

// InputUser собирает InputPeerUser по сохранённому access hash.
func (s *Service) InputUser(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	exists, err := s.bucketExists()
	if err != nil {
		return nil, fmt.Errorf("lookup peer: %w", err)
	}
	if !exists {
		return nil, ErrUnknownUser
	}
	value, err := s.store.Find(ctx, contribstorage.PeerKey{Kind: dialogs.User, ID: id})
	if errors.Is(err, contribstorage.ErrPeerNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("lookup peer: %w", err)
	}
	return &tg.InputPeerUser{UserID: id, AccessHash: value.Key.AccessHash}, nil
}

// Remember сохраняет пользователя, пришедшего в сущностях апдейта.
func (s *Service) Remember(ctx context.Context, user *tg.User) error {
	var p contribstorage.Peer
	if !p.FromUser(user) {
		return nil
	}
	if err := s.store.Add(ctx, p); err != nil {
		return fmt.Errorf("store peer: %w", err)
	}
	return nil
}

func (s *Service) bucketExists() (bool, error) {
	exists := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	})
	return exists, err
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists, err := s.bucketExists()
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}
