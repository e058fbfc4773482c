package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2s"
)

func TestCookieMACs(t *testing.T) {
	sk, err := newPrivateKey()
	require.NoError(t, err)
	pk := sk.publicKey()

	var checker CookieChecker
	var generator CookieGenerator
	checker.Init(pk)
	generator.Init(pk)

	src := []byte{192, 0, 2, 7, 0x12, 0x34}

	msg := make([]byte, MessageInitiationSize)
	msg[0] = 1
	for i := 4; i < len(msg)-blake2s.Size128*2; i++ {
		msg[i] = byte(i)
	}
	generator.AddMacs(msg)

	// mac1 alone passes when idle but earns only the cookie-less verdict
	assert.Equal(t, macValidNoCookie, checker.ValidateMacs(msg, src, false))
	assert.Equal(t, macValidNoCookie, checker.ValidateMacs(msg, src, true))

	// flipping any byte under mac1 invalidates it
	msg[5] ^= 0x40
	assert.Equal(t, macInvalid, checker.ValidateMacs(msg, src, false))
	msg[5] ^= 0x40

	// a cookie reply teaches the generator a valid mac2
	reply, err := checker.CreateReply(msg, 0x01020304, src)
	require.NoError(t, err)
	require.True(t, generator.ConsumeReply(reply))

	msg2 := make([]byte, MessageInitiationSize)
	msg2[0] = 1
	generator.AddMacs(msg2)
	assert.Equal(t, macValidWithCookie, checker.ValidateMacs(msg2, src, true))

	// the cookie binds to the source address it was issued for
	otherSrc := []byte{203, 0, 113, 9, 0x12, 0x34}
	msg3 := make([]byte, MessageInitiationSize)
	msg3[0] = 1
	generator.AddMacs(msg3)
	assert.Equal(t, macValidNoCookie, checker.ValidateMacs(msg3, otherSrc, true))
}

// A cookie issued at the tail end of a secret's life keeps validating
// through rotation, first on the latency window of the issuing secret
// and then on the retained previous secret.
func TestCookieSurvivesSecretRotation(t *testing.T) {
	sk, err := newPrivateKey()
	require.NoError(t, err)
	pk := sk.publicKey()

	var checker CookieChecker
	var generator CookieGenerator
	checker.Init(pk)
	generator.Init(pk)

	src := []byte{192, 0, 2, 42, 0xab, 0xcd}
	msg := make([]byte, MessageInitiationSize)
	msg[0] = 1
	generator.AddMacs(msg)

	reply, err := checker.CreateReply(msg, 0x42, src)
	require.NoError(t, err)
	require.True(t, generator.ConsumeReply(reply))

	// age the issuing secret just past its refresh deadline
	checker.Lock()
	checker.mac2.secretSet = time.Now().Add(-(CookieRefreshTime + time.Second))
	checker.Unlock()

	msg2 := make([]byte, MessageInitiationSize)
	msg2[0] = 1
	generator.AddMacs(msg2)
	assert.Equal(t, macValidWithCookie, checker.ValidateMacs(msg2, src, true))

	// a reply for another source rotates the secret; the old cookie
	// now rides on the retained previous one
	other := make([]byte, MessageInitiationSize)
	other[0] = 1
	generator.AddMacs(other)
	_, err = checker.CreateReply(other, 0x43, []byte{198, 51, 100, 9, 0, 7})
	require.NoError(t, err)

	msg3 := make([]byte, MessageInitiationSize)
	msg3[0] = 1
	generator.AddMacs(msg3)
	assert.Equal(t, macValidWithCookie, checker.ValidateMacs(msg3, src, true))

	// beyond the latency window the old cookie stops counting
	checker.Lock()
	checker.mac2.prevSecretSet = time.Now().Add(-(CookieRefreshTime + CookieSecretLatency + time.Second))
	checker.Unlock()

	msg4 := make([]byte, MessageInitiationSize)
	msg4[0] = 1
	generator.AddMacs(msg4)
	assert.Equal(t, macValidNoCookie, checker.ValidateMacs(msg4, src, true))
}

func TestCookieReplyTamperRejected(t *testing.T) {
	sk, err := newPrivateKey()
	require.NoError(t, err)
	pk := sk.publicKey()

	var checker CookieChecker
	var generator CookieGenerator
	checker.Init(pk)
	generator.Init(pk)

	src := []byte{192, 0, 2, 7, 0x12, 0x34}
	msg := make([]byte, MessageInitiationSize)
	msg[0] = 1
	generator.AddMacs(msg)

	reply, err := checker.CreateReply(msg, 42, src)
	require.NoError(t, err)
	reply.Cookie[3] ^= 0x80
	assert.False(t, generator.ConsumeReply(reply))
}
