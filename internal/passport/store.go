package passport

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/lru"
	"github.com/primetype-labs/asmtpd/internal/topic"
)

// DefaultChainCacheSize is used when NewStore's caller passes a
// non-positive cache size.
const DefaultChainCacheSize = 1024

// blockRow is the GORM-persisted form of a Block. Seq orders blocks
// within a chain for GetChain without re-walking the Previous links.
type blockRow struct {
	PassportID string `gorm:"primaryKey;index:idx_passport_seq"`
	Seq        int    `gorm:"primaryKey;index:idx_passport_seq"`
	Hash       string `gorm:"uniqueIndex"`
	Previous   string
	ContentHex string // concatenated 33-byte (kind|key) entries, hex
	Signer     string
	Sig        []byte
}

// reverseIndexRow maps a public key to the passport id that most
// recently registered or shared it.
type reverseIndexRow struct {
	PublicKey  string `gorm:"primaryKey"`
	PassportID string
}

// Store is the append-only, chain-validating passport persistence
// layer. Safe for concurrent use.
type Store struct {
	db *gorm.DB
	mu sync.Mutex

	// pending buffers out-of-order blocks during bulk sync, keyed by
	// the hash of the parent they are waiting on.
	pending map[Hash][]Block

	// chainCache is an in-process LRU in front of GetChain, sized by
	// the broker's storage.passport_cache_size config knob. Every write
	// path (PutChain, AppendBlock) evicts the affected passport id so a
	// cached read can never return a stale chain.
	chainCache *lru.Cache[topic.PassportID, []Block]
}

// NewStore opens (and migrates) a passport store backed by db. cacheSize
// bounds the GetChain LRU; a non-positive value falls back to
// DefaultChainCacheSize.
func NewStore(db *gorm.DB, cacheSize int) (*Store, error) {
	if err := db.AutoMigrate(&blockRow{}, &reverseIndexRow{}); err != nil {
		return nil, fmt.Errorf("passport: migrate: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultChainCacheSize
	}
	return &Store{
		db:         db,
		pending:    make(map[Hash][]Block),
		chainCache: lru.New[topic.PassportID, []Block](cacheSize),
	}, nil
}

// PutChain validates and atomically stores a complete chain, returning
// its passport id (the genesis block's hash).
func (s *Store) PutChain(blocks []Block) (topic.PassportID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(blocks) == 0 {
		return topic.PassportID{}, ErrEmptyChain
	}
	if !blocks[0].IsGenesis() {
		return topic.PassportID{}, ErrInvalidChain
	}
	for i, b := range blocks {
		if !b.VerifySignature() {
			return topic.PassportID{}, ErrInvalidChain
		}
		if i == 0 {
			continue
		}
		prevHash := blocks[i-1].Hash()
		if b.Previous == nil || *b.Previous != prevHash {
			return topic.PassportID{}, ErrInvalidChain
		}
	}

	genesisHash := blocks[0].Hash()
	passportID := PassportIDFromHash(genesisHash)

	var existing int64
	s.db.Model(&blockRow{}).Where("passport_id = ?", passportID.String()).Count(&existing)
	if existing > 0 {
		return topic.PassportID{}, ErrDuplicate
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		for i, b := range blocks {
			if err := tx.Create(toRow(passportID, i, b)).Error; err != nil {
				return fmt.Errorf("passport: store block: %w", err)
			}
			if err := applyReverseIndex(tx, passportID, b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return topic.PassportID{}, err
	}
	s.chainCache.Remove(passportID)
	return passportID, nil
}

// AppendBlock extends an existing chain with block. If block's parent
// hash is not yet present, it is buffered; applying it later drains any
// transitively-dependent buffered children.
func (s *Store) AppendBlock(block Block) (topic.PassportID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !block.VerifySignature() {
		return topic.PassportID{}, ErrInvalidSignature
	}
	if block.IsGenesis() {
		return topic.PassportID{}, ErrInvalidChain
	}

	return s.applyOrBuffer(block)
}

func (s *Store) applyOrBuffer(block Block) (topic.PassportID, error) {
	var parent blockRow
	err := s.db.Where("hash = ?", hex.EncodeToString(block.Previous[:])).First(&parent).Error
	if err != nil {
		s.pending[*block.Previous] = append(s.pending[*block.Previous], block)
		return topic.PassportID{}, ErrOrphan
	}

	var sibling blockRow
	err = s.db.Where("passport_id = ? AND previous = ?", parent.PassportID, parent.Hash).First(&sibling).Error
	if err == nil {
		if sibling.Hash == hex.EncodeToString(block.Hash()[:]) {
			return parsePassportID(parent.PassportID), nil // Duplicate, tolerated no-op
		}
		return topic.PassportID{}, ErrForkDetected
	}

	passportID := parsePassportID(parent.PassportID)
	if txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toRow(passportID, parent.Seq+1, block)).Error; err != nil {
			return fmt.Errorf("passport: store block: %w", err)
		}
		return applyReverseIndex(tx, passportID, block)
	}); txErr != nil {
		return topic.PassportID{}, txErr
	}
	s.chainCache.Remove(passportID)

	s.drainPending(block.Hash())
	return passportID, nil
}

// drainPending applies every buffered block whose parent is applied,
// transitively.
func (s *Store) drainPending(applied Hash) {
	children, ok := s.pending[applied]
	if !ok {
		return
	}
	delete(s.pending, applied)
	for _, child := range children {
		if _, err := s.applyOrBuffer(child); err != nil {
			continue
		}
	}
}

// GetChain returns the ordered blocks of the chain identified by id,
// consulting the in-process chain cache before hitting storage.
func (s *Store) GetChain(id topic.PassportID) ([]Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blocks, ok := s.chainCache.Get(id); ok {
		return blocks, true, nil
	}

	var rows []blockRow
	if err := s.db.Where("passport_id = ?", id.String()).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("passport: get chain: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	blocks := make([]Block, len(rows))
	for i, r := range rows {
		b, err := fromRow(r)
		if err != nil {
			return nil, false, err
		}
		blocks[i] = b
	}
	s.chainCache.Put(id, blocks)
	return blocks, true, nil
}

// PassportFromKey is the reverse index: the passport id a public key is
// currently registered (or shared) under.
func (s *Store) PassportFromKey(pk identity.PublicIdentity) (topic.PassportID, bool, error) {
	var row reverseIndexRow
	err := s.db.Where("public_key = ?", pk.String()).First(&row).Error
	if err != nil {
		return topic.PassportID{}, false, nil
	}
	return parsePassportID(row.PassportID), true, nil
}

// PassportFromTopic interprets t as a passport topic, if its prefix
// before the embedded id is all zero.
func (s *Store) PassportFromTopic(t topic.Topic) (topic.PassportID, bool) {
	return topic.PassportIDFromTopic(t)
}

// SearchIDs scans the reverse index for every public key beginning
// with prefix, returning the passport id each is currently registered
// or shared under, keyed by that hex public key.
func (s *Store) SearchIDs(prefix string) (map[string]topic.PassportID, error) {
	var rows []reverseIndexRow
	if err := s.db.Where("public_key LIKE ?", strings.ToLower(prefix)+"%").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("passport: search ids: %w", err)
	}
	out := make(map[string]topic.PassportID, len(rows))
	for _, r := range rows {
		out[r.PublicKey] = parsePassportID(r.PassportID)
	}
	return out, nil
}

// ActiveMasterKeys replays a chain's content ops in order and returns
// the set of public keys currently registered as master keys (every
// OpRegisterMasterKey not later undone by a matching
// OpDeregisterMasterKey). OpSetSharedKey entries are ignored: a shared
// key grants topic access, not chain-admin privilege.
func (s *Store) ActiveMasterKeys(id topic.PassportID) (map[identity.PublicIdentity]struct{}, error) {
	chain, ok, err := s.GetChain(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	active := make(map[identity.PublicIdentity]struct{})
	for _, b := range chain {
		for _, op := range b.Content {
			switch op.Kind {
			case OpRegisterMasterKey:
				active[op.Key] = struct{}{}
			case OpDeregisterMasterKey:
				delete(active, op.Key)
			}
		}
	}
	return active, nil
}

// AllPassports returns every known passport id.
func (s *Store) AllPassports() ([]topic.PassportID, error) {
	var rows []blockRow
	if err := s.db.Where("seq = 0").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("passport: all passports: %w", err)
	}
	ids := make([]topic.PassportID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, parsePassportID(r.PassportID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func applyReverseIndex(tx *gorm.DB, passportID topic.PassportID, b Block) error {
	for _, op := range b.Content {
		switch op.Kind {
		case OpRegisterMasterKey, OpSetSharedKey:
			row := reverseIndexRow{PublicKey: op.Key.String(), PassportID: passportID.String()}
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("passport: update reverse index: %w", err)
			}
		case OpDeregisterMasterKey:
			if err := tx.Where("public_key = ?", op.Key.String()).Delete(&reverseIndexRow{}).Error; err != nil {
				return fmt.Errorf("passport: remove reverse index entry: %w", err)
			}
		}
	}
	return nil
}

func toRow(passportID topic.PassportID, seq int, b Block) *blockRow {
	prev := ""
	if b.Previous != nil {
		prev = hex.EncodeToString(b.Previous[:])
	}
	content := make([]byte, 0, len(b.Content)*33)
	for _, op := range b.Content {
		content = append(content, byte(op.Kind))
		content = append(content, op.Key[:]...)
	}
	h := b.Hash()
	return &blockRow{
		PassportID: passportID.String(),
		Seq:        seq,
		Hash:       hex.EncodeToString(h[:]),
		Previous:   prev,
		ContentHex: hex.EncodeToString(content),
		Signer:     b.Signer.String(),
		Sig:        b.Sig,
	}
}

func fromRow(r blockRow) (Block, error) {
	var previous *Hash
	if r.Previous != "" {
		bytes, err := hex.DecodeString(r.Previous)
		if err != nil {
			return Block{}, fmt.Errorf("passport: decode previous: %w", err)
		}
		var h Hash
		copy(h[:], bytes)
		previous = &h
	}

	raw, err := hex.DecodeString(r.ContentHex)
	if err != nil {
		return Block{}, fmt.Errorf("passport: decode content: %w", err)
	}
	var content []ContentOp
	for i := 0; i+33 <= len(raw); i += 33 {
		var key identity.PublicIdentity
		copy(key[:], raw[i+1:i+33])
		content = append(content, ContentOp{Kind: OpKind(raw[i]), Key: key})
	}

	signerBytes, err := hex.DecodeString(r.Signer)
	if err != nil {
		return Block{}, fmt.Errorf("passport: decode signer: %w", err)
	}
	var signer identity.PublicIdentity
	copy(signer[:], signerBytes)

	return Block{
		Previous: previous,
		Content:  content,
		Signer:   signer,
		Sig:      r.Sig,
	}, nil
}

func parsePassportID(hexStr string) topic.PassportID {
	bytes, _ := hex.DecodeString(hexStr)
	var id topic.PassportID
	copy(id[:], bytes)
	return id
}
