package resolver

import "github.com/dmitrifedorov/lmtpd/internal/userdb"

// UserdbDirectory adapts a flat-file *userdb.DB to the LocalDirectory
// interface, for deployments with no external passdb socket configured.
type UserdbDirectory struct {
	DB *userdb.DB
}

// Exists reports whether username is present in the underlying database.
func (u *UserdbDirectory) Exists(username string) (bool, error) {
	return u.DB.Exists(username), nil
}
