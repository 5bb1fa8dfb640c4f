package escrow

import (
	"math/big"
	"testing"
)

func TestClaimVerifyRoundTrip(t *testing.T) {
	signer := newParty(t)
	digest := ConsentDigest([]byte("tid-1"))
	claim := signer.sign(t, digest)
	if !claim.Verify(digest) {
		t.Fatal("valid claim rejected")
	}
}

func TestClaimVerifyFailsClosed(t *testing.T) {
	signer := newParty(t)
	other := newParty(t)
	digest := ConsentDigest([]byte("tid-1"))
	claim := signer.sign(t, digest)

	cases := map[string]Claim{
		"wrong signer":        {Signer: other.addr, Signature: claim.Signature},
		"empty signature":     {Signer: signer.addr},
		"truncated signature": {Signer: signer.addr, Signature: claim.Signature[:64]},
		"corrupt signature": {Signer: signer.addr, Signature: append(append([]byte(nil),
			claim.Signature[:32]...), make([]byte, 33)...)},
	}
	for name, bad := range cases {
		if bad.Verify(digest) {
			t.Fatalf("%s: claim accepted", name)
		}
	}

	if claim.Verify(ConsentDigest([]byte("tid-2"))) {
		t.Fatal("claim accepted for a different digest")
	}
}

func TestClaimVerifyLegacyRecoveryID(t *testing.T) {
	signer := newParty(t)
	digest := ConsentDigest([]byte("tid-legacy"))
	claim := signer.sign(t, digest)
	claim.Signature[64] += 27
	if !claim.Verify(digest) {
		t.Fatal("claim with 27-based recovery id rejected")
	}
}

func TestDigestsBindFieldOrder(t *testing.T) {
	a := ApprovalDigest(big.NewInt(100), big.NewInt(5), []byte("tid"))
	b := ApprovalDigest(big.NewInt(5), big.NewInt(100), []byte("tid"))
	if a == b {
		t.Fatal("swapped fields must change the digest")
	}
	c := CouponDigest(500, []byte("coupon"), []byte("tid"))
	d := CouponDigest(500, []byte("coupon"), []byte("tid2"))
	if c == d {
		t.Fatal("coupon digest must bind the tid")
	}
}

func TestApprovalClaimDoesNotAuthorizeOtherAmounts(t *testing.T) {
	signer := newParty(t)
	claim := signer.sign(t, ApprovalDigest(big.NewInt(100), big.NewInt(0), []byte("tid")))
	if claim.Verify(ApprovalDigest(big.NewInt(200), big.NewInt(0), []byte("tid"))) {
		t.Fatal("claim replayed for a different amount")
	}
}
