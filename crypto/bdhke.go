package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// domainSeparator is the NUT-00 hash_to_curve domain separator:
// sha256("Secp256k1_HashToCurve_Cashu_").
var domainSeparator = sha256.Sum256([]byte("Secp256k1_HashToCurve_Cashu_"))

var ErrNoValidPoint = errors.New("crypto: could not find a valid curve point")

// HashToCurve maps an arbitrary message to a point on secp256k1 following
// the "v1" domain-separated construction: Y = PublicKey(0x02 ||
// sha256(domain_separator || msg || counter)), trying successive uint32
// little-endian counters starting at 0 until the candidate point parses.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	buf := make([]byte, 0, len(domainSeparator)+len(message)+4)
	buf = append(buf, domainSeparator[:]...)
	buf = append(buf, message...)
	counterOffset := len(buf)
	buf = append(buf, 0, 0, 0, 0)

	for counter := uint32(0); counter < 1<<32-1; counter++ {
		binary.LittleEndian.PutUint32(buf[counterOffset:], counter)
		hash := sha256.Sum256(buf)
		candidate := append([]byte{0x02}, hash[:]...)
		if point, err := secp256k1.ParsePubKey(candidate); err == nil {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// BlindMessage computes B_ = Y + rG, where Y = HashToCurve(secret) and r is
// the supplied blinding factor. If r is nil, a fresh private key is drawn.
// Returns the blinded point and the r actually used.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}

	if r == nil {
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
	}

	var yPoint, rPoint, blinded secp256k1.JacobianPoint
	Y.AsJacobian(&yPoint)
	r.PubKey().AsJacobian(&rPoint)
	secp256k1.AddNonConst(&yPoint, &rPoint, &blinded)
	blinded.ToAffine()

	B_ := secp256k1.NewPublicKey(&blinded.X, &blinded.Y)
	return B_, r, nil
}

// SignBlindedMessage computes the mint's blind signature C_ = kB_.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bPoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&k.Key, &bPoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// UnblindSignature computes C = C_ - rK, the final unblinded signature over
// the proof's secret.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) *secp256k1.PublicKey {
	var kPoint, rKPoint, cPoint, c_Point secp256k1.JacobianPoint
	K.AsJacobian(&kPoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)
	secp256k1.ScalarMultNonConst(&rNeg, &kPoint, &rKPoint)

	C_.AsJacobian(&c_Point)
	secp256k1.AddNonConst(&c_Point, &rKPoint, &cPoint)
	cPoint.ToAffine()

	return secp256k1.NewPublicKey(&cPoint.X, &cPoint.Y)
}

// Verify reports whether C == k*HashToCurve(secret), i.e. that C is a valid
// unblinded signature over secret issued under private key k.
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}

	var yPoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&yPoint)
	secp256k1.ScalarMultNonConst(&k.Key, &yPoint, &result)
	result.ToAffine()

	pk := secp256k1.NewPublicKey(&result.X, &result.Y)
	return C.IsEqual(pk)
}

// GenerateDLEQ produces a NUT-12 DLEQ proof (e, s) binding a blind signature
// C_ = kB_ to the mint's public key K = kG, without revealing k.
//
//	r  = random scalar
//	R1 = rG, R2 = rB_
//	e  = hash(R1 || R2 || K || C_)
//	s  = r + ek
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	var bPoint, r1Point, r2Point secp256k1.JacobianPoint
	r.PubKey().AsJacobian(&r1Point)
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&r.Key, &bPoint, &r2Point)
	r2Point.ToAffine()
	r1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&r1Point.X, &r1Point.Y)
	R2 := secp256k1.NewPublicKey(&r2Point.X, &r2Point.Y)

	e := dleqChallenge(R1, R2, k.PubKey(), C_)

	var ek, s secp256k1.ModNScalar
	ek.Mul2(&e.Key, &k.Key)
	s.Add2(&r.Key, &ek)

	eKey := secp256k1.NewPrivateKey(&e.Key)
	sKey := secp256k1.NewPrivateKey(&s)
	return eKey, sKey, nil
}

// VerifyDLEQ checks a NUT-12 DLEQ proof (e, s) against mint public key A,
// blinded message B_ and blind signature C_.
//
//	R1 = sG - eA
//	R2 = sB_ - eC_
//	e' = hash(R1 || R2 || A || C_)  must equal e
func VerifyDLEQ(e, s *secp256k1.PrivateKey, A, B_, C_ *secp256k1.PublicKey) bool {
	var eA, r1, sB_, eC_, r2 secp256k1.JacobianPoint

	var sG secp256k1.JacobianPoint
	s.PubKey().AsJacobian(&sG)

	var aPoint secp256k1.JacobianPoint
	A.AsJacobian(&aPoint)
	secp256k1.ScalarMultNonConst(&e.Key, &aPoint, &eA)
	eA.Y.Negate(1)
	eA.Y.Normalize()
	secp256k1.AddNonConst(&sG, &eA, &r1)
	r1.ToAffine()

	var bPoint secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&s.Key, &bPoint, &sB_)

	var cPoint secp256k1.JacobianPoint
	C_.AsJacobian(&cPoint)
	secp256k1.ScalarMultNonConst(&e.Key, &cPoint, &eC_)
	eC_.Y.Negate(1)
	eC_.Y.Normalize()
	secp256k1.AddNonConst(&sB_, &eC_, &r2)
	r2.ToAffine()

	R1 := secp256k1.NewPublicKey(&r1.X, &r1.Y)
	R2 := secp256k1.NewPublicKey(&r2.X, &r2.Y)

	expected := dleqChallenge(R1, R2, A, C_)
	return expected.Key.Equals(&e.Key)
}

// dleqChallenge hashes the concatenated lowercase hex strings of the
// uncompressed encodings of R1, R2, A and C_, as NUT-12 does.
func dleqChallenge(R1, R2, A, C_ *secp256k1.PublicKey) *secp256k1.PrivateKey {
	h := sha256.New()
	for _, p := range []*secp256k1.PublicKey{R1, R2, A, C_} {
		h.Write([]byte(hex.EncodeToString(p.SerializeUncompressed())))
	}
	digest := h.Sum(nil)

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(digest)
	return secp256k1.NewPrivateKey(&scalar)
}
