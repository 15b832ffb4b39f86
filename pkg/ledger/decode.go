package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/utils"
)

const (
	discriminatorLen = 8

	// vaultAccountLen is the serialized vault body after the discriminator.
	vaultAccountLen = 32 + 32 + 8*5 + 8 + 1

	// tokenAmountOffset is where a token account stores its amount (after mint and owner).
	tokenAmountOffset = 64
)

var (
	ErrShortData              = errors.New("account data too short")
	ErrUnexpectedAccount      = errors.New("unexpected account discriminator")
	vaultAccountDiscriminator = discriminator("account", "CollateralVault")
)

// discriminator is the 8 byte type tag the program prefixes to accounts and events.
func discriminator(namespace, name string) [discriminatorLen]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [discriminatorLen]byte
	copy(out[:], sum[:discriminatorLen])
	return out
}

// VaultAccount is the decoded on-chain vault state.
type VaultAccount struct {
	Owner            string
	TokenAccount     string
	TotalBalance     uint64
	LockedBalance    uint64
	AvailableBalance uint64
	TotalDeposited   uint64
	TotalWithdrawn   uint64
	CreatedAt        int64
	Bump             uint8
}

// ParseVaultAccount decodes raw vault account data including its discriminator.
func ParseVaultAccount(data []byte) (*VaultAccount, error) {
	if len(data) < discriminatorLen+vaultAccountLen {
		return nil, fmt.Errorf("%w: vault account has %d bytes, need %d", ErrShortData, len(data), discriminatorLen+vaultAccountLen)
	}
	if !bytes.Equal(data[:discriminatorLen], vaultAccountDiscriminator[:]) {
		return nil, ErrUnexpectedAccount
	}

	r := newReader(data[discriminatorLen:])
	v := &VaultAccount{
		Owner:            r.pubkey(),
		TokenAccount:     r.pubkey(),
		TotalBalance:     r.u64(),
		LockedBalance:    r.u64(),
		AvailableBalance: r.u64(),
		TotalDeposited:   r.u64(),
		TotalWithdrawn:   r.u64(),
		CreatedAt:        r.i64(),
		Bump:             r.u8(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}

// ParseTokenAmount reads the amount field of a token account.
func ParseTokenAmount(data []byte) (uint64, error) {
	if len(data) < tokenAmountOffset+8 {
		return 0, fmt.Errorf("%w: token account has %d bytes", ErrShortData, len(data))
	}
	return binary.LittleEndian.Uint64(data[tokenAmountOffset : tokenAmountOffset+8]), nil
}

// reader decodes the little-endian fixed layout used by program accounts and events.
// The first error sticks and later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortData, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) pubkey() string {
	b := r.take(utils.PubkeyLen)
	if b == nil {
		return ""
	}
	return utils.EncodePubkey(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 {
	return int64(r.u64())
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}
