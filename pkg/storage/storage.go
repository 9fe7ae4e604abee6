// Package storage предоставляет типизированное key-value хранилище для
// состояния, которое должно переживать границы сессии: выбранные аудио
// устройства и контекст тёплого перевода.
//
// Хранилище инжектируется явно (в Client и координатор переводов) вместо
// обращения к глобальному состоянию, что позволяет подменять его в тестах.
package storage

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Известные ключи хранилища.
const (
	// KeyDefaultInput - идентификатор выбранного устройства ввода
	KeyDefaultInput = "toky_default_input"
	// KeyDefaultOutput - идентификатор выбранного устройства вывода
	KeyDefaultOutput = "toky_default_output"
	// KeyWarmTransferData - сериализованный контекст тёплого перевода
	KeyWarmTransferData = "current_warm_transfer_data"
)

// Store - контракт key-value хранилища.
// Get возвращает false вторым значением, если ключ отсутствует.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// MemoryStore хранит значения в памяти. Используется по умолчанию и в тестах.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore создает пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// FileStore хранит значения в одном JSON файле.
// Заменяет браузерный sessionStorage оригинальной реализации: контекст
// перевода должен пережить уничтожение сессии, поэтому каждое изменение
// сразу сбрасывается на диск.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// NewFileStore открывает хранилище по указанному пути.
// Отсутствующий файл не является ошибкой - хранилище создается пустым.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "failed to read store file")
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, errors.Wrap(err, "failed to parse store file")
		}
	}

	return s, nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = string(value)
	return s.flush()
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return s.flush()
}

// flush записывает всё содержимое на диск. Вызывается под мьютексом.
func (s *FileStore) flush() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return errors.Wrap(err, "failed to encode store")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to write store file")
	}
	return nil
}
