package core

import "fmt"

// BlockRule validates a candidate block against the prev-state snapshot.
type BlockRule interface {
	Description() string
	IsValid(state *DBState, prev *BlockHeader, block *Block, validators ValidatorLookup) error
}

// TxnRule validates a pending or included transaction.
type TxnRule interface {
	Description() string
	IsValid(state *DBState, txn *Txn, adminKey KeyHash) error
}

// ChangeAuthor pairs a Change with the KeyHash of the txn that authored
// it, the unit MutationRule validates over.
type ChangeAuthor struct {
	Change Change
	Author KeyHash
}

// MutationRule validates the full list of changes a block's mutation
// applies, across every txn it includes.
type MutationRule interface {
	Description() string
	IsValid(state *DBState, changes []ChangeAuthor, adminKey KeyHash) error
}

// ValidatorLookup resolves a validator's DER-encoded public key, used by
// the Signature BlockRule/TxnRule to verify against the registered key
// rather than trusting whatever key a message claims.
type ValidatorLookup interface {
	ValidatorKeyDER(id KeyHash) (Blob, bool)
}

// TurnParityMode governs how the sample rule engine treats "setup" ticks.
// The source material disagreed on this (§9 open question); it is exposed
// here as a parameter so a downstream rule set picks explicitly instead of
// the core hard-coding either convention.
type TurnParityMode int

const (
	// SetupTicks0And1 treats ticks 0 and 1 as setup, turn parity begins at
	// tick 2.
	SetupTicks0And1 TurnParityMode = iota
	// SetupTick0Only treats only tick 0 as setup, turn parity begins at
	// tick 1.
	SetupTick0Only
)

// IsSetupTick reports whether tick falls inside this mode's setup window.
func (m TurnParityMode) IsSetupTick(tick uint64) bool {
	switch m {
	case SetupTick0Only:
		return tick == 0
	default:
		return tick <= 1
	}
}

// RecordKeeperConfig bundles the rule registry and the global parameters
// RecordKeeper needs: a downstream game plugs rules in here without
// touching core.
type RecordKeeperConfig struct {
	BlockRules    []BlockRule
	TxnRules      []TxnRule
	MutationRules []MutationRule

	TurnParity TurnParityMode

	ValidatorsCountBase float64
	ValidatorsScan      uint64
	RecalculateBlocks   uint64
	RateTargetMs        int64
	HashCompounds       uint64
}

func NewRecordKeeperConfig() *RecordKeeperConfig {
	return &RecordKeeperConfig{
		TurnParity:          SetupTicks0And1,
		ValidatorsCountBase: 2,
		ValidatorsScan:      64,
		RecalculateBlocks:   64,
		RateTargetMs:        10_000,
		HashCompounds:       4,
	}
}

func (c *RecordKeeperConfig) RegisterBlockRule(r BlockRule)       { c.BlockRules = append(c.BlockRules, r) }
func (c *RecordKeeperConfig) RegisterTxnRule(r TxnRule)           { c.TxnRules = append(c.TxnRules, r) }
func (c *RecordKeeperConfig) RegisterMutationRule(r MutationRule) { c.MutationRules = append(c.MutationRules, r) }

// WithBuiltinRules registers the built-in Block/Txn/Mutation rules §4.5
// names, in addition to whatever a caller has already registered.
func (c *RecordKeeperConfig) WithBuiltinRules() *RecordKeeperConfig {
	c.RegisterBlockRule(blockRuleMerkleRoot{})
	c.RegisterBlockRule(blockRuleSignature{})
	c.RegisterBlockRule(blockRuleTimeStamp{})

	c.RegisterTxnRule(txnRuleSignature{})
	c.RegisterTxnRule(txnRuleDuplicates{})
	c.RegisterTxnRule(txnRuleAdminCheck{})
	c.RegisterTxnRule(txnRuleNewValidator{})

	c.RegisterMutationRule(mutationRuleDuplicates{})
	c.RegisterMutationRule(mutationRulePlotEvent{})
	c.RegisterMutationRule(mutationRuleShares{})
	return c
}

// --- BlockRule built-ins ---

type blockRuleMerkleRoot struct{}

func (blockRuleMerkleRoot) Description() string { return "block merkle root matches its txn set" }

func (blockRuleMerkleRoot) IsValid(_ *DBState, _ *BlockHeader, block *Block, _ ValidatorLookup) error {
	if block.Header.MerkleRoot != MerkleRoot(block.Txns) {
		return NewLogicError(InvalidMerkleRoot)
	}
	return nil
}

type blockRuleSignature struct{}

func (blockRuleSignature) Description() string { return "block signature verifies against a known validator" }

func (blockRuleSignature) IsValid(_ *DBState, _ *BlockHeader, block *Block, validators ValidatorLookup) error {
	der, ok := validators.ValidatorKeyDER(block.Header.Creator)
	if !ok {
		return NewLogicError(UnrecognizedCreator)
	}
	if !block.VerifySignature(der) {
		return NewLogicError(InvalidSignature)
	}
	return nil
}

type blockRuleTimeStamp struct{}

func (blockRuleTimeStamp) Description() string { return "block timestamp is between prev and now" }

func (blockRuleTimeStamp) IsValid(_ *DBState, prev *BlockHeader, block *Block, _ ValidatorLookup) error {
	if prev != nil && block.Header.Timestamp.Before(prev.Timestamp) {
		return NewLogicError(InvalidTime)
	}
	if block.Header.Timestamp.After(Now()) {
		return NewLogicError(InvalidTime)
	}
	return nil
}

// --- TxnRule built-ins ---

type txnRuleSignature struct{}

func (txnRuleSignature) Description() string { return "txn signature verifies against the creator's registered key" }

func (txnRuleSignature) IsValid(state *DBState, txn *Txn, _ KeyHash) error {
	raw, err := state.Get(KeyValidatorKey(txn.Creator))
	if err != nil {
		return NewLogicError(UnrecognizedCreator)
	}
	if !txn.VerifySignature(Blob(raw)) {
		return NewLogicError(InvalidSignature)
	}
	return nil
}

type txnRuleDuplicates struct{}

func (txnRuleDuplicates) Description() string {
	return "no duplicate NewValidator or PlotEvent within a single txn"
}

func (txnRuleDuplicates) IsValid(_ *DBState, txn *Txn, _ KeyHash) error {
	seen := make(map[string]struct{}, txn.Mutation.Len())
	for _, c := range txn.Mutation.Changes {
		if c.Kind != ChangeNewValidator && c.Kind != ChangePlotEvent {
			continue
		}
		k := c.IdentityKey()
		if _, ok := seen[k]; ok {
			return NewLogicError(Duplicate)
		}
		seen[k] = struct{}{}
	}
	return nil
}

type txnRuleAdminCheck struct{}

func (txnRuleAdminCheck) Description() string { return "Admin changes require creator == AdminKeyID" }

func (txnRuleAdminCheck) IsValid(_ *DBState, txn *Txn, adminKey KeyHash) error {
	for _, c := range txn.Mutation.Changes {
		if c.Kind == ChangeAdmin && txn.Creator != adminKey {
			return NewLogicError(ExpectedAdmin)
		}
	}
	return nil
}

type txnRuleNewValidator struct{}

func (txnRuleNewValidator) Description() string {
	return "NewValidator changes require creator == AdminKeyID"
}

func (txnRuleNewValidator) IsValid(_ *DBState, txn *Txn, adminKey KeyHash) error {
	for _, c := range txn.Mutation.Changes {
		if c.Kind == ChangeNewValidator && txn.Creator != adminKey {
			return NewLogicError(ExpectedAdmin)
		}
	}
	return nil
}

// --- MutationRule built-ins ---

type mutationRuleDuplicates struct{}

func (mutationRuleDuplicates) Description() string { return "no duplicate changes across the whole mutation" }

func (mutationRuleDuplicates) IsValid(_ *DBState, changes []ChangeAuthor, _ KeyHash) error {
	seen := make(map[string]struct{}, len(changes))
	for _, ca := range changes {
		k := ca.Change.IdentityKey()
		if _, ok := seen[k]; ok {
			return NewLogicError(Duplicate)
		}
		seen[k] = struct{}{}
	}
	return nil
}

type mutationRulePlotEvent struct{}

func (mutationRulePlotEvent) Description() string { return "PlotEvent recipient set must not contain its origin" }

func (mutationRulePlotEvent) IsValid(_ *DBState, changes []ChangeAuthor, _ KeyHash) error {
	for _, ca := range changes {
		c := ca.Change
		if c.Kind != ChangePlotEvent {
			continue
		}
		for _, to := range c.PlotTo {
			if to == c.PlotFrom {
				return NewInvalidMutationError("plot event recipient set contains its origin")
			}
		}
	}
	return nil
}

type mutationRuleShares struct{}

func (mutationRuleShares) Description() string {
	return "outgoing transfers per sender are authored correctly and fit within available stake"
}

func (mutationRuleShares) IsValid(state *DBState, changes []ChangeAuthor, adminKey KeyHash) error {
	totals := make(map[KeyHash]int64)
	for _, ca := range changes {
		c := ca.Change
		if c.Kind != ChangeTransfer {
			continue
		}
		if ca.Author != c.From && ca.Author != adminKey {
			return NewLogicError(InvalidSigner)
		}
		var sum int64
		for _, amt := range c.Recipients {
			if amt > (1<<63)-1 {
				return NewInvalidMutationError("transfer amount overflows signed 64-bit range")
			}
			sum += int64(amt)
			if sum < 0 {
				return NewInvalidMutationError("sender transfer total overflows signed 64-bit range")
			}
		}
		totals[c.From] += sum
		if totals[c.From] < 0 {
			return NewInvalidMutationError("sender transfer total overflows signed 64-bit range")
		}
	}
	for sender, total := range totals {
		raw, err := state.Get(KeyValidatorStake(sender))
		var stake uint64
		if err == nil {
			if v, derr := heightFromBytes(raw); derr == nil {
				stake = v
			}
		}
		if total > 0 && uint64(total) > stake {
			return NewLogicError(NotEnoughShares)
		}
	}
	return nil
}

// validateBlock runs every registered BlockRule in order, stopping at the
// first failure.
func (c *RecordKeeperConfig) validateBlock(state *DBState, prev *BlockHeader, block *Block, validators ValidatorLookup) error {
	for _, r := range c.BlockRules {
		if err := r.IsValid(state, prev, block, validators); err != nil {
			return fmt.Errorf("%s: %w", r.Description(), err)
		}
	}
	return nil
}

func (c *RecordKeeperConfig) validateTxn(state *DBState, txn *Txn, adminKey KeyHash) error {
	for _, r := range c.TxnRules {
		if err := r.IsValid(state, txn, adminKey); err != nil {
			return fmt.Errorf("%s: %w", r.Description(), err)
		}
	}
	return nil
}

func (c *RecordKeeperConfig) validateMutation(state *DBState, changes []ChangeAuthor, adminKey KeyHash) error {
	for _, r := range c.MutationRules {
		if err := r.IsValid(state, changes, adminKey); err != nil {
			return fmt.Errorf("%s: %w", r.Description(), err)
		}
	}
	return nil
}
