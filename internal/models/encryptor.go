package models

// Encryptor encrypts and decrypts token values before they are persisted.
type Encryptor interface {
	Encrypt(val string) (string, error)
	Decrypt(val string) (string, error)
}
