package record

import (
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	security "github.com/rigado/ble-security"
)

// StoredRecord is the persisted form of a bonded peer. Key material is
// hex encoded so the bond file stays diffable.
type StoredRecord struct {
	Address               string `json:"address"`
	AddressType           byte   `json:"addressType"`
	LinkKey               string `json:"linkKey,omitempty"`
	LongTermKey           string `json:"longTermKey,omitempty"`
	EncryptionDiversifier string `json:"encryptionDiversifier,omitempty"`
	RandomValue           string `json:"randomValue,omitempty"`
	Legacy                bool   `json:"legacy"`
	Authenticated         bool   `json:"authenticated"`
	IoCapability          byte   `json:"ioCapability"`
}

// Store persists bonding records across restarts.
type Store interface {
	Load() ([]StoredRecord, error)
	Save(r StoredRecord) error
	Delete(address string) error
}

type bondFile struct {
	Bonds []StoredRecord `json:"bonds"`
}

type fileStore struct {
	path string
	lock sync.RWMutex
}

// NewFileStore returns a Store backed by a JSON file at path. The file
// is created on first save.
func NewFileStore(path string) Store {
	return &fileStore{path: path}
}

func (fs *fileStore) Load() ([]StoredRecord, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	bonds, err := fs.loadFile()
	if err != nil {
		return nil, err
	}

	return bonds.Bonds, nil
}

func (fs *fileStore) Save(r StoredRecord) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	bonds, err := fs.loadFile()
	if err != nil {
		return err
	}

	replaced := false
	for i := range bonds.Bonds {
		if bonds.Bonds[i].Address == r.Address {
			bonds.Bonds[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		bonds.Bonds = append(bonds.Bonds, r)
	}

	return fs.storeFile(bonds)
}

func (fs *fileStore) Delete(address string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	bonds, err := fs.loadFile()
	if err != nil {
		return err
	}

	kept := bonds.Bonds[:0]
	for _, b := range bonds.Bonds {
		if b.Address != address {
			kept = append(kept, b)
		}
	}
	bonds.Bonds = kept

	return fs.storeFile(bonds)
}

func (fs *fileStore) loadFile() (*bondFile, error) {
	_, err := os.Stat(fs.path)
	if os.IsNotExist(err) {
		return &bondFile{}, nil
	}

	fileData, err := ioutil.ReadFile(fs.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bond file")
	}

	var bonds bondFile
	if len(fileData) > 0 {
		if err := jsoniter.Unmarshal(fileData, &bonds); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal bond file")
		}
	}

	return &bonds, nil
}

func (fs *fileStore) storeFile(bonds *bondFile) error {
	out, err := jsoniter.Marshal(bonds)
	if err != nil {
		return errors.Wrap(err, "failed to marshal bonds")
	}

	if err := ioutil.WriteFile(fs.path, out, 0600); err != nil {
		return errors.Wrap(err, "failed to update bond file")
	}

	return nil
}

// ToStored converts a bonded record into its persisted form.
func ToStored(r *SecurityRecord) StoredRecord {
	sr := StoredRecord{
		Address:       r.Peer.Address.String(),
		AddressType:   byte(r.Peer.Type),
		Authenticated: r.Authenticated,
		IoCapability:  byte(r.IoCap),
	}

	if r.Keys == nil {
		return sr
	}

	sr.LinkKey = hex.EncodeToString(r.Keys.LinkKey)
	sr.LongTermKey = hex.EncodeToString(r.Keys.LongTermKey)
	sr.Legacy = r.Keys.Legacy

	eDiv := make([]byte, 2)
	binary.LittleEndian.PutUint16(eDiv, r.Keys.EDiv)
	sr.EncryptionDiversifier = hex.EncodeToString(eDiv)

	randVal := make([]byte, 8)
	binary.LittleEndian.PutUint64(randVal, r.Keys.Rand)
	sr.RandomValue = hex.EncodeToString(randVal)

	return sr
}

// FromStored rebuilds a bonded record from its persisted form.
func FromStored(sr StoredRecord) (*SecurityRecord, error) {
	peer := security.AddressWithType{
		Address: security.NewAddress(sr.Address),
		Type:    security.AddressType(sr.AddressType),
	}

	keys := &security.KeyMaterial{Legacy: sr.Legacy}

	var err error
	if sr.LinkKey != "" {
		if keys.LinkKey, err = hex.DecodeString(sr.LinkKey); err != nil {
			return nil, errors.Wrap(err, "invalid link key in bond file")
		}
	}
	if sr.LongTermKey != "" {
		if keys.LongTermKey, err = hex.DecodeString(sr.LongTermKey); err != nil {
			return nil, errors.Wrap(err, "invalid long term key in bond file")
		}
	}
	if sr.EncryptionDiversifier != "" {
		eDiv, err := hex.DecodeString(sr.EncryptionDiversifier)
		if err != nil || len(eDiv) != 2 {
			return nil, errors.New("invalid ediv in bond file")
		}
		keys.EDiv = binary.LittleEndian.Uint16(eDiv)
	}
	if sr.RandomValue != "" {
		randVal, err := hex.DecodeString(sr.RandomValue)
		if err != nil || len(randVal) != 8 {
			return nil, errors.New("invalid random value in bond file")
		}
		keys.Rand = binary.LittleEndian.Uint64(randVal)
	}

	if len(keys.LinkKey) == 0 && len(keys.LongTermKey) == 0 {
		return nil, errors.Errorf("bond for %s has no key material", sr.Address)
	}

	return &SecurityRecord{
		Peer:          peer,
		State:         StateBonded,
		Keys:          keys,
		IoCap:         security.IoCapability(sr.IoCapability),
		Authenticated: sr.Authenticated,
	}, nil
}
