package vault

import "github.com/collateralvault/vaultmirror/pkg/db/models/mirror"

// Mutation changes a locked vault row in place or rejects the change.
// A rejected mutation leaves the row untouched.
type Mutation func(v *mirror.Vault) error

func checked(v *mirror.Vault, next mirror.Vault) error {
	if !next.InvariantHolds() {
		return &BalanceError{Kind: ErrInvariantViolation, Vault: v.VaultKey}
	}
	*v = next
	return nil
}

func overflow(v *mirror.Vault, amount uint64) error {
	return &BalanceError{Kind: ErrOverflow, Vault: v.VaultKey, Amount: amount}
}

func underflow(v *mirror.Vault, amount uint64) error {
	return &BalanceError{Kind: ErrUnderflow, Vault: v.VaultKey, Amount: amount}
}

func Deposit(amount uint64) Mutation {
	return func(v *mirror.Vault) error {
		next := *v
		var ok1, ok2, ok3 bool
		next.TotalBalance, ok1 = mirror.AddChecked(v.TotalBalance, amount)
		next.AvailableBalance, ok2 = mirror.AddChecked(v.AvailableBalance, amount)
		next.TotalDeposited, ok3 = mirror.AddChecked(v.TotalDeposited, amount)
		if !ok1 || !ok2 || !ok3 {
			return overflow(v, amount)
		}
		return checked(v, next)
	}
}

func Withdraw(amount uint64) Mutation {
	return func(v *mirror.Vault) error {
		if v.AvailableBalance < amount {
			return &BalanceError{Kind: ErrInsufficientBalance, Vault: v.VaultKey, Amount: amount, Available: v.AvailableBalance}
		}
		next := *v
		var ok1, ok2, ok3 bool
		next.TotalBalance, ok1 = mirror.SubChecked(v.TotalBalance, amount)
		next.AvailableBalance, ok2 = mirror.SubChecked(v.AvailableBalance, amount)
		if !ok1 || !ok2 {
			return underflow(v, amount)
		}
		next.TotalWithdrawn, ok3 = mirror.AddChecked(v.TotalWithdrawn, amount)
		if !ok3 {
			return overflow(v, amount)
		}
		return checked(v, next)
	}
}

func Lock(amount uint64) Mutation {
	return func(v *mirror.Vault) error {
		if v.AvailableBalance < amount {
			return &BalanceError{Kind: ErrInsufficientBalance, Vault: v.VaultKey, Amount: amount, Available: v.AvailableBalance}
		}
		next := *v
		var ok1, ok2 bool
		next.AvailableBalance, ok1 = mirror.SubChecked(v.AvailableBalance, amount)
		next.LockedBalance, ok2 = mirror.AddChecked(v.LockedBalance, amount)
		if !ok1 {
			return underflow(v, amount)
		}
		if !ok2 {
			return overflow(v, amount)
		}
		return checked(v, next)
	}
}

func Unlock(amount uint64) Mutation {
	return func(v *mirror.Vault) error {
		if v.LockedBalance < amount {
			return &BalanceError{Kind: ErrInsufficientLockedBalance, Vault: v.VaultKey, Amount: amount, Locked: v.LockedBalance}
		}
		next := *v
		var ok1, ok2 bool
		next.LockedBalance, ok1 = mirror.SubChecked(v.LockedBalance, amount)
		next.AvailableBalance, ok2 = mirror.AddChecked(v.AvailableBalance, amount)
		if !ok1 {
			return underflow(v, amount)
		}
		if !ok2 {
			return overflow(v, amount)
		}
		return checked(v, next)
	}
}

// Transfer moves available funds between two vaults. Lifetime counters are untouched.
func Transfer(amount uint64) func(from, to *mirror.Vault) error {
	return func(from, to *mirror.Vault) error {
		if from.AvailableBalance < amount {
			return &BalanceError{Kind: ErrInsufficientBalance, Vault: from.VaultKey, Amount: amount, Available: from.AvailableBalance}
		}
		src, dst := *from, *to
		var ok1, ok2, ok3, ok4 bool
		src.TotalBalance, ok1 = mirror.SubChecked(from.TotalBalance, amount)
		src.AvailableBalance, ok2 = mirror.SubChecked(from.AvailableBalance, amount)
		if !ok1 || !ok2 {
			return underflow(from, amount)
		}
		dst.TotalBalance, ok3 = mirror.AddChecked(to.TotalBalance, amount)
		dst.AvailableBalance, ok4 = mirror.AddChecked(to.AvailableBalance, amount)
		if !ok3 || !ok4 {
			return overflow(to, amount)
		}
		if !src.InvariantHolds() {
			return &BalanceError{Kind: ErrInvariantViolation, Vault: from.VaultKey}
		}
		if !dst.InvariantHolds() {
			return &BalanceError{Kind: ErrInvariantViolation, Vault: to.VaultKey}
		}
		*from, *to = src, dst
		return nil
	}
}

// mutationFor returns the single-vault mutation for a transaction type.
func mutationFor(kind mirror.TxType, amount uint64) (Mutation, bool) {
	switch kind {
	case mirror.TxDeposit:
		return Deposit(amount), true
	case mirror.TxWithdraw:
		return Withdraw(amount), true
	case mirror.TxLock:
		return Lock(amount), true
	case mirror.TxUnlock:
		return Unlock(amount), true
	}
	return nil, false
}
