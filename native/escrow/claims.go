package escrow

import (
	"bytes"
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Claim carries an off-chain authorization: who is asserted to have signed,
// and the raw signature over the operation's digest. Verification never
// trusts the caller identity; only a valid signature recovering to Signer
// authorizes anything.
type Claim struct {
	Signer    [20]byte
	Signature []byte
}

func pad32(v *big.Int) []byte {
	out := make([]byte, 32)
	if v == nil || v.Sign() <= 0 {
		return out
	}
	raw := v.Bytes()
	if len(raw) > 32 {
		raw = raw[len(raw)-32:]
	}
	copy(out[32-len(raw):], raw)
	return out
}

// ConsentDigest hashes the bare trade id. A consent claim proves a party
// agreed to release against this tid without constraining the amount.
func ConsentDigest(tid []byte) [32]byte {
	return ethcrypto.Keccak256Hash(tid)
}

// ApprovalDigest hashes (amount, arbitrateFee, tid) so a signature authorizes
// these exact numbers and cannot be replayed for a different withdrawal.
func ApprovalDigest(amount, arbitrateFee *big.Int, tid []byte) [32]byte {
	return ethcrypto.Keccak256Hash(pad32(amount), pad32(arbitrateFee), tid)
}

// CouponDigest hashes (couponRateBps, couponId, tid), binding a platform
// coupon to one trade at one rate.
func CouponDigest(couponRateBps uint32, couponID, tid []byte) [32]byte {
	rate := new(big.Int).SetUint64(uint64(couponRateBps))
	return ethcrypto.Keccak256Hash(pad32(rate), couponID, tid)
}

// AuctionDigest hashes (amount, fee, auction id) for the publisher's
// settlement withdrawal.
func AuctionDigest(amount, fee *big.Int, auctionID uint64) [32]byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, auctionID)
	return ethcrypto.Keccak256Hash(pad32(amount), pad32(fee), id)
}

// Verify reports whether the signature recovers to the asserted signer over
// the digest. It fails closed: malformed signatures, recovery errors and
// signer mismatches all yield false.
func (c Claim) Verify(digest [32]byte) bool {
	if len(c.Signature) != 65 {
		return false
	}
	sig := append([]byte(nil), c.Signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return false
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	return bytes.Equal(recovered.Bytes(), c.Signer[:])
}

// verifiedSigners collects the distinct signer addresses whose claims verify
// against the digest.
func verifiedSigners(digest [32]byte, claims []Claim) map[[20]byte]bool {
	signers := make(map[[20]byte]bool, len(claims))
	for _, claim := range claims {
		if claim.Verify(digest) {
			signers[claim.Signer] = true
		}
	}
	return signers
}
