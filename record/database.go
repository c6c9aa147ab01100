package record

import (
	"github.com/pkg/errors"

	security "github.com/rigado/ble-security"
)

// Database is the in-memory record map. It is owned by the security
// manager and only ever touched from the SM context, so it carries no
// locking of its own; the Store handles its own file locking.
type Database struct {
	records map[security.Address]*SecurityRecord
	store   Store
	log     security.Logger
}

func NewDatabase(store Store) *Database {
	return &Database{
		records: make(map[security.Address]*SecurityRecord),
		store:   store,
		log:     security.GetLogger().ChildLogger(map[string]interface{}{"subsystem": "record"}),
	}
}

// Load populates the map from the store. Unreadable entries are
// skipped with a diagnostic rather than failing the whole load.
func (d *Database) Load() error {
	if d.store == nil {
		return nil
	}

	stored, err := d.store.Load()
	if err != nil {
		return errors.Wrap(err, "record database load")
	}

	for _, sr := range stored {
		rec, err := FromStored(sr)
		if err != nil {
			d.log.Warnf("skipping stored bond %s: %v", sr.Address, err)
			continue
		}
		d.records[rec.Peer.Address] = rec
	}

	d.log.Infof("loaded %d bonded device(s)", len(d.records))
	return nil
}

// Find returns the record for addr if one exists.
func (d *Database) Find(addr security.Address) (*SecurityRecord, bool) {
	r, ok := d.records[addr]
	return r, ok
}

// FindOrCreate returns the record for peer, creating an unbonded one
// if none exists yet.
func (d *Database) FindOrCreate(peer security.AddressWithType) *SecurityRecord {
	if r, ok := d.records[peer.Address]; ok {
		return r
	}
	r := NewRecord(peer)
	d.records[peer.Address] = r
	return r
}

// SaveBonded marks the record bonded and persists it. The record must
// carry key material.
func (d *Database) SaveBonded(r *SecurityRecord) error {
	if r.Keys == nil {
		return errors.New("refusing to persist a bond without key material")
	}

	r.State = StateBonded
	if d.store == nil {
		return nil
	}
	return d.store.Save(ToStored(r))
}

// Remove deletes the record and its persisted form. Returns false if
// no record existed.
func (d *Database) Remove(addr security.Address) bool {
	if _, ok := d.records[addr]; !ok {
		return false
	}
	delete(d.records, addr)

	if d.store != nil {
		if err := d.store.Delete(addr.String()); err != nil {
			d.log.Errorf("failed to delete stored bond for %s: %v", addr, err)
		}
	}
	return true
}

// ReKey remaps a record to the peer's resolved identity address. The
// in-flight negotiation keeps using the old key until remapped here.
func (d *Database) ReKey(old security.Address, peer security.AddressWithType) {
	r, ok := d.records[old]
	if !ok {
		return
	}
	delete(d.records, old)
	r.Peer = peer
	d.records[peer.Address] = r
}

// Count returns the number of records currently held.
func (d *Database) Count() int {
	return len(d.records)
}
