package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const knownVectorSig = "2c5c27d07cd61bf449de8ef1b26c270157939d79af0b4375dbbd92fb457cad35"

type fakeDirectory map[string]Router

func (d fakeDirectory) LookupRouter(_ context.Context, id string) (Router, error) {
	r, ok := d[id]
	if !ok {
		return Router{}, fmt.Errorf("%w: %s", ErrUnknownRouter, id)
	}
	return r, nil
}

type fakeVoucher struct {
	seconds int64
	usedBy  string
	end     time.Time
}

// fakeRedeemer mirrors the store's check-and-set under a mutex.
type fakeRedeemer struct {
	mu       sync.Mutex
	vouchers map[string]*fakeVoucher
	calls    int
}

func newFakeRedeemer(codes ...string) *fakeRedeemer {
	r := &fakeRedeemer{vouchers: make(map[string]*fakeVoucher)}
	for _, code := range codes {
		r.vouchers[code] = &fakeVoucher{seconds: 3600}
	}
	return r
}

func (f *fakeRedeemer) Redeem(_ context.Context, req Redemption) (Redeemed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.vouchers[req.Code]
	if !ok {
		return Redeemed{}, fmt.Errorf("%w: not found", ErrInvalidVoucher)
	}
	if v.usedBy == "" {
		v.usedBy = req.MAC
		v.end = req.At.Add(time.Duration(v.seconds) * time.Second)
	} else if v.usedBy != req.MAC {
		return Redeemed{}, ErrVoucherAlreadyConsumed
	}
	return Redeemed{Remaining: v.end.Sub(req.At), SessionEnd: v.end, UpBytes: 10, DownBytes: 20}, nil
}

func (f *fakeRedeemer) usedBy(code string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vouchers[code].usedBy
}

var testNow = time.Unix(1_730_000_000, 0).UTC()

func newTestValidator(t *testing.T, redeemer *fakeRedeemer) *Validator {
	t.Helper()
	v, err := NewValidator(Config{
		Directory:   fakeDirectory{"R1": {ID: "R1", Owner: "op", Secret: "s3cr3t"}},
		Guard:       NewNonceGuard(DefaultNonceTTL, 64, nil),
		Redeemer:    redeemer,
		IssueGrants: true,
		Now:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return v
}

func signedRequest(nonce, mac string) AuthRequest {
	req := AuthRequest{RouterID: "R1", MAC: mac, Voucher: "AB12CD34", TS: testNow.Unix(), Nonce: nonce}
	req.Sig = Sign("s3cr3t", req)
	return req
}

func TestSignKnownVector(t *testing.T) {
	req := AuthRequest{RouterID: "R1", MAC: "aa:bb:cc:dd:ee:ff", Voucher: "AB12CD34", TS: 1730000000, Nonce: "random-string"}
	require.Equal(t, "R1|aa:bb:cc:dd:ee:ff|AB12CD34|1730000000|random-string", SigningString(req))
	require.Equal(t, knownVectorSig, Sign("s3cr3t", req))

	req.Sig = knownVectorSig
	require.True(t, Verify("s3cr3t", req))
	req.Sig = strings.ToUpper(knownVectorSig)
	require.True(t, Verify("s3cr3t", req), "hex case must not matter")
	req.Sig = strings.Repeat("0", 64)
	require.False(t, Verify("s3cr3t", req))
	req.Sig = knownVectorSig
	require.False(t, Verify("other", req))
}

func TestValidateAcceptsAndConsumes(t *testing.T) {
	redeemer := newFakeRedeemer("AB12CD34")
	v := newTestValidator(t, redeemer)

	grant, err := v.Validate(context.Background(), signedRequest("n-1", "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	require.Equal(t, "R1", grant.RouterID)
	require.Equal(t, time.Hour, grant.Remaining)
	require.Equal(t, testNow.Add(time.Hour), grant.SessionEnd)
	require.NotEmpty(t, grant.Token)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", redeemer.usedBy("AB12CD34"))
}

func TestValidateRejectsAlteredFields(t *testing.T) {
	alter := map[string]func(*AuthRequest){
		"mac":      func(r *AuthRequest) { r.MAC = "aa:bb:cc:dd:ee:00" },
		"voucher":  func(r *AuthRequest) { r.Voucher = "ZZ12CD34" },
		"ts":       func(r *AuthRequest) { r.TS++ },
		"nonce":    func(r *AuthRequest) { r.Nonce = "other" },
		"mac case": func(r *AuthRequest) { r.MAC = "AA:BB:CC:DD:EE:FF" },
	}
	for name, mutate := range alter {
		t.Run(name, func(t *testing.T) {
			redeemer := newFakeRedeemer("AB12CD34", "ZZ12CD34")
			v := newTestValidator(t, redeemer)
			req := signedRequest("n-"+name, "aa:bb:cc:dd:ee:ff")
			mutate(&req)
			_, err := v.Validate(context.Background(), req)
			require.ErrorIs(t, err, ErrBadSignature)
			require.Equal(t, "bad_signature", Reason(err))
			require.Zero(t, redeemer.calls)
		})
	}
}

func TestValidateRejectsReplay(t *testing.T) {
	v := newTestValidator(t, newFakeRedeemer("AB12CD34"))
	req := signedRequest("n-replay", "aa:bb:cc:dd:ee:ff")

	_, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), req)
	require.ErrorIs(t, err, ErrReplayedNonce)
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	v := newTestValidator(t, newFakeRedeemer("AB12CD34"))
	for _, offset := range []time.Duration{-DefaultClockSkew - time.Second, DefaultClockSkew + time.Second} {
		req := AuthRequest{RouterID: "R1", MAC: "aa:bb:cc:dd:ee:ff", Voucher: "AB12CD34", TS: testNow.Add(offset).Unix(), Nonce: "n-stale"}
		req.Sig = Sign("s3cr3t", req)
		_, err := v.Validate(context.Background(), req)
		require.ErrorIs(t, err, ErrStaleTimestamp, "offset %s", offset)
	}

	edge := AuthRequest{RouterID: "R1", MAC: "aa:bb:cc:dd:ee:ff", Voucher: "AB12CD34", TS: testNow.Add(-DefaultClockSkew).Unix(), Nonce: "n-edge"}
	edge.Sig = Sign("s3cr3t", edge)
	_, err := v.Validate(context.Background(), edge)
	require.NoError(t, err)
}

func TestValidateRejectsUnknownRouter(t *testing.T) {
	v := newTestValidator(t, newFakeRedeemer("AB12CD34"))
	req := signedRequest("n-1", "aa:bb:cc:dd:ee:ff")
	req.RouterID = "R9"
	_, err := v.Validate(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownRouter)
}

func TestValidateRejectsMalformed(t *testing.T) {
	v := newTestValidator(t, newFakeRedeemer("AB12CD34"))
	cases := map[string]func(*AuthRequest){
		"empty router": func(r *AuthRequest) { r.RouterID = " " },
		"bad mac":      func(r *AuthRequest) { r.MAC = "aa-bb-cc-dd-ee-ff" },
		"bad voucher":  func(r *AuthRequest) { r.Voucher = "AB-12" },
		"empty nonce":  func(r *AuthRequest) { r.Nonce = "" },
		"long nonce":   func(r *AuthRequest) { r.Nonce = strings.Repeat("n", maxNonceLength+1) },
		"non-hex sig":  func(r *AuthRequest) { r.Sig = "zz" },
		"missing sig":  func(r *AuthRequest) { r.Sig = "" },
		"utf8 nonce":   func(r *AuthRequest) { r.Nonce = "n-\xff" },
		"utf8 router":  func(r *AuthRequest) { r.RouterID = "R\xc3" },
	}
	for name, mutate := range cases {
		req := signedRequest("n-1", "aa:bb:cc:dd:ee:ff")
		mutate(&req)
		_, err := v.Validate(context.Background(), req)
		require.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestValidateRejectsReplayAfterNonceWindowFills(t *testing.T) {
	v, err := NewValidator(Config{
		Directory:   fakeDirectory{"R1": {ID: "R1", Owner: "op", Secret: "s3cr3t"}},
		Guard:       NewNonceGuard(DefaultNonceTTL, 4, nil),
		Redeemer:    newFakeRedeemer("AB12CD34"),
		IssueGrants: true,
		Now:         func() time.Time { return testNow },
	})
	require.NoError(t, err)

	first := signedRequest("n-0", "aa:bb:cc:dd:ee:ff")
	_, err = v.Validate(context.Background(), first)
	require.NoError(t, err)
	for i := 1; i < 4; i++ {
		_, err = v.Validate(context.Background(), signedRequest(fmt.Sprintf("n-%d", i), "aa:bb:cc:dd:ee:ff"))
		require.NoError(t, err)
	}

	_, err = v.Validate(context.Background(), signedRequest("n-4", "aa:bb:cc:dd:ee:ff"))
	require.ErrorIs(t, err, ErrNonceWindowFull)
	require.True(t, IsRejection(err))
	require.Equal(t, "nonce_window_full", Reason(err))

	_, err = v.Validate(context.Background(), first)
	require.ErrorIs(t, err, ErrReplayedNonce, "an accepted request stays spent while the window is full")
}

func TestValidateSameMACReauth(t *testing.T) {
	redeemer := newFakeRedeemer("AB12CD34")
	v := newTestValidator(t, redeemer)
	_, err := v.Validate(context.Background(), signedRequest("n-1", "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), signedRequest("n-2", "aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), signedRequest("n-3", "11:22:33:44:55:66"))
	require.ErrorIs(t, err, ErrVoucherAlreadyConsumed)
}

func TestValidateConcurrentVoucherRace(t *testing.T) {
	redeemer := newFakeRedeemer("AB12CD34")
	v := newTestValidator(t, redeemer)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mac := fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i)
			_, errs[i] = v.Validate(context.Background(), signedRequest(fmt.Sprintf("n-%d", i), mac))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, ErrVoucherAlreadyConsumed)
	}
	require.Equal(t, 1, accepted)
}

func TestReasonClassification(t *testing.T) {
	require.Equal(t, "ok", Reason(nil))
	require.Equal(t, "invalid_voucher", Reason(fmt.Errorf("%w: expired", ErrInvalidVoucher)))
	require.Equal(t, "internal", Reason(errors.New("disk on fire")))
	require.True(t, IsRejection(ErrReplayedNonce))
	require.False(t, IsRejection(errors.New("disk on fire")))
}

func TestClampSkew(t *testing.T) {
	require.Equal(t, DefaultClockSkew, ClampSkew(0))
	require.Equal(t, MaxClockSkew, ClampSkew(time.Hour))
	require.Equal(t, time.Minute, ClampSkew(time.Minute))
}

func TestNewValidatorRequiresCollaborators(t *testing.T) {
	_, err := NewValidator(Config{})
	require.Error(t, err)
}
