// Package packstate 保存用户的材料准备进度：整块读取、修改一处、整块写回。
package packstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/packready/packready/internal/clock"
	"github.com/packready/packready/internal/kvstore"
	"github.com/packready/packready/internal/logging"
)

// StateKey 是进度数据在 KV 存储中的键。
const StateKey = "pack/state"

// ErrInvalidID 表示分组或条目 ID 不合法。
var ErrInvalidID = errors.New("invalid section or item id")

// ItemState 是单个条目的进度。
type ItemState struct {
	Provided  bool              `json:"provided"`
	Fields    map[string]string `json:"fields,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// State 是完整的进度数据：sectionID -> itemID -> ItemState。
type State struct {
	Items     map[string]map[string]ItemState `json:"items"`
	UpdatedAt time.Time                       `json:"updatedAt"`
}

// Item 返回指定条目的进度，不存在时返回零值。
func (s State) Item(sectionID, itemID string) (ItemState, bool) {
	section, ok := s.Items[sectionID]
	if !ok {
		return ItemState{}, false
	}
	item, ok := section[itemID]
	return item, ok
}

func emptyState() State {
	return State{Items: map[string]map[string]ItemState{}}
}

// Options 汇总 Store 的可选依赖。
type Options struct {
	Clock    clock.Clock
	Logger   *logrus.Logger
	Validate *validator.Validate
}

// Store 对同一个键的读改写串行执行，最终落盘的总是某一次完整写入。
type Store struct {
	kv       kvstore.Store
	locks    kvstore.KeyedMutex
	clock    clock.Clock
	logger   *logrus.Logger
	validate *validator.Validate
}

// NewStore 构造进度存储。
func NewStore(kv kvstore.Store, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("packstate: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Validate == nil {
		opts.Validate = validator.New()
	}
	return &Store{kv: kv, clock: opts.Clock, logger: opts.Logger, validate: opts.Validate}, nil
}

// State 返回当前进度；读取失败或内容损坏时返回空进度。
func (s *Store) State(ctx context.Context) State {
	state, err := s.read(ctx)
	if err != nil {
		s.logger.WithFields(logging.CacheFields("packstate", StateKey)).
			WithError(err).Warn("pack_state_read_failed")
		return emptyState()
	}
	return state
}

// MarkProvided 设置条目的 provided 标记。
func (s *Store) MarkProvided(ctx context.Context, sectionID, itemID string, provided bool) (State, error) {
	return s.mutate(ctx, "pack_mark_provided", sectionID, itemID, func(item *ItemState) {
		item.Provided = provided
	})
}

// UpdateFields 合并字段；值为空串的字段被删除。
func (s *Store) UpdateFields(ctx context.Context, sectionID, itemID string, fields map[string]string) (State, error) {
	return s.mutate(ctx, "pack_update_fields", sectionID, itemID, func(item *ItemState) {
		if item.Fields == nil {
			item.Fields = make(map[string]string, len(fields))
		}
		for key, value := range fields {
			if value == "" {
				delete(item.Fields, key)
				continue
			}
			item.Fields[key] = value
		}
		if len(item.Fields) == 0 {
			item.Fields = nil
		}
	})
}

// Reset 清空全部进度。
func (s *Store) Reset(ctx context.Context) error {
	unlock := s.locks.Lock(StateKey)
	defer unlock()
	if err := s.kv.Remove(ctx, StateKey); err != nil {
		return fmt.Errorf("reset pack state: %w", err)
	}
	s.logger.WithFields(logging.CacheFields("packstate", StateKey)).
		WithField("action", "pack_reset").Info("pack_state_reset")
	return nil
}

func (s *Store) mutate(ctx context.Context, action, sectionID, itemID string, apply func(*ItemState)) (State, error) {
	if err := s.checkIDs(sectionID, itemID); err != nil {
		return State{}, err
	}

	unlock := s.locks.Lock(StateKey)
	defer unlock()

	state, err := s.read(ctx)
	if err != nil {
		// 损坏的数据无法合并，从空进度重新开始
		s.logger.WithFields(logging.CacheFields("packstate", StateKey)).
			WithError(err).Warn("pack_state_read_failed")
		if !errors.Is(err, kvstore.ErrCorrupt) {
			return State{}, err
		}
		state = emptyState()
	}

	now := s.clock.Now()
	section := state.Items[sectionID]
	if section == nil {
		section = map[string]ItemState{}
		state.Items[sectionID] = section
	}
	item := section[itemID]
	apply(&item)
	item.UpdatedAt = now
	section[itemID] = item
	state.UpdatedAt = now

	if err := kvstore.SetJSON(ctx, s.kv, StateKey, state); err != nil {
		s.logger.WithFields(logging.CacheFields("packstate", StateKey)).
			WithError(err).Error("pack_state_write_failed")
		return State{}, fmt.Errorf("write pack state: %w", err)
	}
	s.logger.WithFields(logging.CacheFields("packstate", StateKey)).WithFields(logrus.Fields{
		"action":  action,
		"section": sectionID,
		"item":    itemID,
	}).Debug("pack_state_updated")
	return state, nil
}

func (s *Store) read(ctx context.Context) (State, error) {
	state := emptyState()
	if err := kvstore.GetJSON(ctx, s.kv, StateKey, &state); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return emptyState(), nil
		}
		return State{}, err
	}
	if state.Items == nil {
		state.Items = map[string]map[string]ItemState{}
	}
	return state, nil
}

func (s *Store) checkIDs(sectionID, itemID string) error {
	for _, id := range []string{sectionID, itemID} {
		if err := s.validate.Var(id, "required,max=128,printascii,excludesall=/"); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}
