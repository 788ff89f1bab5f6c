package pubsub

import (
	"encoding/binary"
	"fmt"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Record type tags carried over a Fountain Link's record stream (§4.F):
// "publish" announces a subscription, "target" answers it with digests,
// "issue" is an unsolicited Publisher push, "pull" is a direct fetch
// request to a hinted node (§4.F Caller semantics: "directs a push request
// to the hint node").
const (
	recordPublish = "publish"
	recordTarget  = "target"
	recordIssue   = "issue"
	recordPull    = "pull"
)

func putString(buf []byte, s string) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

func takeString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("pubsub: truncated string length")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return "", nil, fmt.Errorf("pubsub: truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func encodePublish(prefix string) []byte {
	return putString(nil, prefix)
}

func decodePublish(buf []byte) (string, error) {
	s, _, err := takeString(buf)
	return s, err
}

func encodeTarget(path string, digests []ids.Digest) []byte {
	buf := putString(nil, path)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(digests)))
	buf = append(buf, n[:]...)
	for _, d := range digests {
		buf = append(buf, d[:]...)
	}
	return buf
}

func decodeTarget(buf []byte) (path string, digests []ids.Digest, err error) {
	path, buf, err = takeString(buf)
	if err != nil {
		return "", nil, err
	}
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("pubsub: truncated target count")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n)*ids.Size {
		return "", nil, fmt.Errorf("pubsub: truncated target digests")
	}
	digests = make([]ids.Digest, n)
	for i := range digests {
		copy(digests[i][:], buf[i*ids.Size:(i+1)*ids.Size])
	}
	return path, digests, nil
}

func encodeIssue(prefix, path string, payload []byte) []byte {
	buf := putString(nil, prefix)
	buf = putString(buf, path)
	return append(buf, payload...)
}

func decodeIssue(buf []byte) (prefix, path string, payload []byte, err error) {
	prefix, buf, err = takeString(buf)
	if err != nil {
		return "", "", nil, err
	}
	path, buf, err = takeString(buf)
	if err != nil {
		return "", "", nil, err
	}
	return prefix, path, buf, nil
}

func encodePull(digest ids.Digest) []byte {
	return append([]byte(nil), digest[:]...)
}

func decodePull(buf []byte) (ids.Digest, error) {
	return ids.FromBytes(buf)
}
