package db

import "database/sql"

// SealedCredentials is the at-rest form of the credential record. Password
// and secret key are AEAD-sealed blobs; the vault owns the crypto.
type SealedCredentials struct {
	MemberCode      string
	LoginID         string
	SealedPassword  []byte
	SealedSecretKey []byte
	KDFSalt         []byte
	SealVersion     int
}

func SaveCredentials(database *sql.DB, c *SealedCredentials) error {
	_, err := database.Exec(
		`INSERT INTO credentials (id, member_code, login_id, sealed_password, sealed_secret_key, kdf_salt, seal_version, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(id) DO UPDATE SET
		   member_code = excluded.member_code,
		   login_id = excluded.login_id,
		   sealed_password = excluded.sealed_password,
		   sealed_secret_key = excluded.sealed_secret_key,
		   kdf_salt = excluded.kdf_salt,
		   seal_version = excluded.seal_version,
		   updated_at = excluded.updated_at`,
		c.MemberCode, c.LoginID, c.SealedPassword, c.SealedSecretKey, c.KDFSalt, c.SealVersion,
	)
	return err
}

func GetCredentials(database *sql.DB) (*SealedCredentials, error) {
	c := &SealedCredentials{}
	err := database.QueryRow(
		`SELECT member_code, login_id, sealed_password, sealed_secret_key, kdf_salt, seal_version
		 FROM credentials WHERE id = 1`,
	).Scan(&c.MemberCode, &c.LoginID, &c.SealedPassword, &c.SealedSecretKey, &c.KDFSalt, &c.SealVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
