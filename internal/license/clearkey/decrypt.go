package clearkey

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"cdmhls/internal/license"
)

// decryptSample returns the plaintext of req.Data under key.
func decryptSample(key []byte, req license.DecryptRequest) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if len(req.IV) != 8 && len(req.IV) != 16 {
		return nil, fmt.Errorf("iv must be 8 or 16 bytes, got %d", len(req.IV))
	}
	copy(iv, req.IV)

	out := make([]byte, len(req.Data))
	copy(out, req.Data)

	subsamples := req.Subsamples
	if len(subsamples) == 0 {
		subsamples = []license.Subsample{{Protected: uint32(len(out))}}
	}

	var ctr cipher.Stream
	if req.Scheme != license.SchemeCBCS {
		// One keystream runs across all protected ranges of the sample.
		ctr = cipher.NewCTR(block, iv)
	}

	pos := 0
	for _, ss := range subsamples {
		pos += int(ss.Clear)
		end := pos + int(ss.Protected)
		if end > len(out) {
			return nil, fmt.Errorf("subsamples exceed sample size %d", len(out))
		}
		region := out[pos:end]
		if ctr != nil {
			ctr.XORKeyStream(region, region)
		} else {
			decryptPattern(block, iv, region, int(req.CryptByteBlock), int(req.SkipByteBlock))
		}
		pos = end
	}
	return out, nil
}

// decryptPattern decrypts a cbcs protected range in place. The CBC chain
// restarts from iv for every range and only crypt blocks take part in it.
// A zero pattern means every full block is encrypted.
func decryptPattern(block cipher.Block, iv []byte, region []byte, crypt, skip int) {
	if crypt == 0 && skip == 0 {
		crypt = 1
	}
	cbc := cipher.NewCBCDecrypter(block, iv)
	bs := aes.BlockSize
	for pos := 0; pos+bs <= len(region); {
		n := crypt * bs
		if pos+n > len(region) {
			n = (len(region) - pos) / bs * bs
		}
		cbc.CryptBlocks(region[pos:pos+n], region[pos:pos+n])
		pos += n + skip*bs
	}
}
