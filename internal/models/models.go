package models

// All lists every table owned by the auth core, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&LinkedAccount{},
		&TrustedDevice{},
		&RevokedToken{},
		&AuditLog{},
	}
}
