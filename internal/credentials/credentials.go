package credentials

import (
	"fmt"
	"os"
	"strings"
)

// Credentials holds AWS credentials
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewCredentials creates a new credentials instance
func NewCredentials() *Credentials {
	return &Credentials{}
}

// LoadFromPasswdFile loads credentials from a passwd file. Lines hold either
// ACCESS_KEY:SECRET_KEY or BUCKET:ACCESS_KEY:SECRET_KEY; a bucket specific
// line wins over the generic one.
func (c *Credentials) LoadFromPasswdFile(path, bucket string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}

	var generic, specific []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		switch len(parts) {
		case 2:
			if generic == nil {
				generic = parts
			}
		case 3:
			if bucket != "" && strings.TrimSpace(parts[0]) == bucket {
				specific = parts[1:]
			}
		default:
			return fmt.Errorf("invalid passwd file format, expected [BUCKET:]ACCESS_KEY:SECRET_KEY")
		}
	}

	pair := specific
	if pair == nil {
		pair = generic
	}
	if pair == nil {
		return fmt.Errorf("no credentials for bucket %q in passwd file", bucket)
	}

	c.AccessKeyID = strings.TrimSpace(pair[0])
	c.SecretAccessKey = strings.TrimSpace(pair[1])
	return nil
}

// LoadFromEnvironment loads credentials from environment variables
func (c *Credentials) LoadFromEnvironment() error {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("AWS_SESSION_TOKEN")

	if accessKey == "" || secretKey == "" {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}

	c.AccessKeyID = accessKey
	c.SecretAccessKey = secretKey
	c.SessionToken = sessionToken

	return nil
}

// IsValid checks if credentials are valid (both access key and secret are set)
func (c *Credentials) IsValid() bool {
	return c != nil && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Resolve picks credentials in order: explicit keys, passwd file,
// environment. It returns nil when none are configured so the SDK default
// chain (shared config, instance roles) applies.
func Resolve(accessKey, secretKey, sessionToken, passwdFile, bucket string) (*Credentials, error) {
	c := NewCredentials()
	if accessKey != "" || secretKey != "" {
		c.AccessKeyID = accessKey
		c.SecretAccessKey = secretKey
		c.SessionToken = sessionToken
		if !c.IsValid() {
			return nil, fmt.Errorf("both access key and secret key must be set")
		}
		return c, nil
	}
	if passwdFile != "" {
		if err := c.LoadFromPasswdFile(passwdFile, bucket); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err := c.LoadFromEnvironment(); err == nil {
		return c, nil
	}
	return nil, nil
}
