package tenancy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidTemplate = errors.New("invalid connection string template")

// DeriveConnectionString swaps the database of template for dbName. Both URL
// (postgres://...) and key=value templates are accepted.
func DeriveConnectionString(template, dbName string) (string, error) {
	if dbName == "" {
		return "", fmt.Errorf("%w: empty database name", ErrInvalidTemplate)
	}
	if strings.Contains(template, "://") {
		u, err := url.Parse(template)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		u.Path = "/" + dbName
		u.RawPath = ""
		return u.String(), nil
	}
	if strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("%w: empty template", ErrInvalidTemplate)
	}

	parts := strings.Fields(template)
	replaced := false
	for i, p := range parts {
		if strings.HasPrefix(p, "dbname=") {
			parts[i] = "dbname=" + dbName
			replaced = true
		}
	}
	if !replaced {
		parts = append(parts, "dbname="+dbName)
	}
	return strings.Join(parts, " "), nil
}

// SplitPassword removes the password from dsn and returns it separately, so
// that it can travel in PGPASSWORD instead of a process argument.
func SplitPassword(dsn string) (string, string) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil || u.User == nil {
			return dsn, ""
		}
		password, ok := u.User.Password()
		if !ok {
			return dsn, ""
		}
		u.User = url.User(u.User.Username())
		return u.String(), password
	}
	var (
		kept     []string
		password string
	)
	for _, p := range strings.Fields(dsn) {
		if v, ok := strings.CutPrefix(p, "password="); ok {
			password = strings.Trim(v, "'")
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, " "), password
}

// MaskConnectionString hides the password of a connection string for logs.
func MaskConnectionString(dsn string) string {
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			return u.Redacted()
		}
		return "***"
	}
	parts := strings.Fields(dsn)
	for i, p := range parts {
		if strings.HasPrefix(p, "password=") {
			parts[i] = "password=xxxxx"
		}
	}
	return strings.Join(parts, " ")
}
