package core

import "fmt"

// buildContraChange derives the single-change inverse of c by reading
// whatever prior value it overwrites from state. For AddEvent, PlotEvent,
// Transfer and NewValidator the contra is the identical Change — the
// mutation-level Contra flag (not the Change payload) flips their
// interpretation in applyChange, matching the "same application path" used
// for both a mutation and its inverse.
func buildContraChange(state *DBState, c Change) (Change, error) {
	switch c.Kind {
	case ChangeSetValue, ChangeAdmin:
		prior, err := state.Get(KeyGeneric(c.Key))
		if err != nil && err != ErrNotFound {
			return Change{}, NewDBError("read prior value for contra", err)
		}
		return Change{Kind: c.Kind, Key: c.Key, Value: prior}, nil
	default:
		return c, nil
	}
}

// applyChange performs one Change against diff/state. isContra comes from
// the owning Mutation: for AddEvent/PlotEvent it flips addition into
// removal; for NewValidator it flips registration into removal; for
// Transfer it flips the direction of the stake movement. SetValue/Admin
// ignore isContra because their contra Change already carries the correct
// restored value (or nil, meaning delete).
func applyChange(diff *DBDiff, state *DBState, c Change, isContra bool) error {
	switch c.Kind {
	case ChangeSetValue, ChangeAdmin:
		if c.Value == nil {
			diff.DeleteKey(KeyGeneric(c.Key))
		} else {
			diff.Set(KeyGeneric(c.Key), c.Value)
		}
		return nil

	case ChangeAddEvent:
		if isContra {
			diff.RemoveEvent(c.Plot, c.Tick, c.Event)
		} else {
			diff.AddEvent(c.Plot, c.Tick, c.Event)
		}
		return nil

	case ChangePlotEvent:
		for _, to := range c.PlotTo {
			if isContra {
				diff.RemoveEvent(to, c.Tick, c.Event)
			} else {
				diff.AddEvent(to, c.Tick, c.Event)
			}
		}
		return nil

	case ChangeNewValidator:
		kh := KeyHashOf(c.ValidatorDER)
		if isContra {
			diff.DeleteKey(KeyValidatorKey(kh))
			diff.DeleteKey(KeyValidatorStake(kh))
		} else {
			diff.Set(KeyValidatorKey(kh), c.ValidatorDER)
			diff.Set(KeyValidatorStake(kh), heightToBytes(0))
		}
		return nil

	case ChangeTransfer:
		return applyTransfer(diff, state, c, isContra)

	default:
		return fmt.Errorf("mutation: unknown change kind %s", c.Kind)
	}
}

func applyTransfer(diff *DBDiff, state *DBState, c Change, isContra bool) error {
	var total uint64
	for kh, amt := range c.Recipients {
		total += amt
		if err := adjustStake(diff, state, kh, amt, !isContra); err != nil {
			return err
		}
	}
	// Forward: sender loses `total`. Contra: sender regains `total`.
	return adjustStake(diff, state, c.From, total, isContra)
}

// adjustStake adds delta to id's stake if credit is true, else subtracts.
func adjustStake(diff *DBDiff, state *DBState, id KeyHash, delta uint64, credit bool) error {
	raw, err := state.Get(KeyValidatorStake(id))
	var cur uint64
	if err == nil {
		cur, err = heightFromBytes(raw)
		if err != nil {
			return NewDeserializeError("validator stake", err)
		}
	} else if err != ErrNotFound {
		return NewDBError("read validator stake", err)
	}
	if credit {
		cur += delta
	} else {
		if delta > cur {
			return NewInvalidMutationError("stake would go negative")
		}
		cur -= delta
	}
	diff.Set(KeyValidatorStake(id), heightToBytes(cur))
	return nil
}

// applyMutation applies every change in m against diff/state, in order.
func applyMutation(diff *DBDiff, state *DBState, m Mutation) error {
	for _, c := range m.Changes {
		if err := applyChange(diff, state, c, m.Contra); err != nil {
			return err
		}
	}
	return nil
}

// buildContra derives m's inverse, to be recorded as ContraMut(block) and
// later replayed (with the same applyMutation path) by StepBack.
func buildContra(state *DBState, m Mutation) (Mutation, error) {
	contra := Mutation{Contra: true, Changes: make([]Change, 0, len(m.Changes))}
	// Contras must undo changes in reverse application order so an
	// earlier change's prior value (read before a later change touches the
	// same key) is restored last, matching how the forward mutation's
	// changes were layered.
	for i := len(m.Changes) - 1; i >= 0; i-- {
		cc, err := buildContraChange(state, m.Changes[i])
		if err != nil {
			return Mutation{}, err
		}
		contra.Changes = append(contra.Changes, cc)
	}
	return contra, nil
}
