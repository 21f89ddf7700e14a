// Package store persists device connectivity state across bridge
// restarts: the station address the telescope was last reachable at,
// the wifi credentials used to get it there and the last provisioning
// failure.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucket   = "dwarfbridge"
	stateKey = "connectivity"
)

// ConnectivityState is everything needed to find the telescope again
// without re-running BLE provisioning.
type ConnectivityState struct {
	STAIP           string            `json:"sta_ip,omitempty"`
	Mode            string            `json:"mode,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty"`
	WifiCredentials map[string]string `json:"wifi_credentials,omitempty"`
}

type Store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*Store, error) {
	st := &Store{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// Load retrieves the saved connectivity state. A fresh database yields
// an empty state, not an error.
func (s *Store) Load() (ConnectivityState, error) {
	var state ConnectivityState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		value := b.Get([]byte(stateKey))
		if value == nil {
			return nil
		}
		return json.Unmarshal(value, &state)
	})
	if err != nil {
		return ConnectivityState{}, fmt.Errorf("loading connectivity state: %w", err)
	}
	state.sanitize()
	return state, nil
}

// Save writes the connectivity state, stamping the update time.
func (s *Store) Save(state ConnectivityState) error {
	state.sanitize()
	state.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		value, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(stateKey), value)
	})
}

// RecordSTA saves a successful provisioning result.
func (s *Store) RecordSTA(ip, ssid, password string) error {
	state, err := s.Load()
	if err != nil {
		return err
	}
	state.STAIP = ip
	state.Mode = "sta"
	state.LastError = ""
	if ssid != "" {
		if state.WifiCredentials == nil {
			state.WifiCredentials = make(map[string]string)
		}
		state.WifiCredentials[ssid] = password
	}
	return s.Save(state)
}

// RecordError saves a provisioning failure without touching the rest of
// the state.
func (s *Store) RecordError(message string) error {
	state, err := s.Load()
	if err != nil {
		return err
	}
	state.LastError = message
	return s.Save(state)
}

// sanitize drops credential entries with an empty ssid or password so a
// half-filled provision attempt never shadows a working one.
func (c *ConnectivityState) sanitize() {
	for ssid, password := range c.WifiCredentials {
		if ssid == "" || password == "" {
			delete(c.WifiCredentials, ssid)
		}
	}
	if len(c.WifiCredentials) == 0 {
		c.WifiCredentials = nil
	}
}
