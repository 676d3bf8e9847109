// Package digest 提供按用途隔离的 BLAKE3 keyed hash。
// 相同输入在不同用途下得到不同摘要，避免跨用途碰撞。
package digest

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

type Sum [32]byte

func (s Sum) String() string { return hex.EncodeToString(s[:]) }

type domainKey [32]byte

// 域名的 ASCII 编码，零填充到 32 字节。修改会使该域已有的摘要全部失效。
var (
	fingerprintKey = domainKey{
		'c', 'o', 'm', 'p', 'u', 't', 'e', 'r', 'u', 's', 'e', '.', 'f', 'i', 'n', 'g',
		'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	apiKeyKey = domainKey{
		'c', 'o', 'm', 'p', 'u', 't', 'e', 'r', 'u', 's', 'e', '.', 'a', 'p', 'i', 'k',
		'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	artifactKey = domainKey{
		'c', 'o', 'm', 'p', 'u', 't', 'e', 'r', 'u', 's', 'e', '.', 'a', 'r', 't', 'i',
		'f', 'a', 'c', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Fingerprint 对 (屏幕内容, 目标) 求摘要。各字段带长度前缀，拼接边界不会产生歧义。
func Fingerprint(screen []byte, goal string) Sum {
	h := newKeyed(fingerprintKey)
	writeField(h, screen)
	writeField(h, []byte(goal))
	return finish(h)
}

// APIKey 对明文 API key 求摘要，存储层只保存摘要
func APIKey(key string) Sum {
	h := newKeyed(apiKeyKey)
	h.Write([]byte(key))
	return finish(h)
}

// Artifact 对落盘内容求摘要，用作内容寻址的文件名
func Artifact(data []byte) Sum {
	h := newKeyed(artifactKey)
	h.Write(data)
	return finish(h)
}

func newKeyed(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// 只有 key 长度错误才会失败，domainKey 固定 32 字节
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

func writeField(h *blake3.Hasher, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func finish(h *blake3.Hasher) Sum {
	var s Sum
	copy(s[:], h.Sum(nil))
	return s
}
