package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/flagx"
	"github.com/dmitrijs2005/peertransit/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations
// accept "30s" style strings or integer nanoseconds via timex.Duration.
// Fields left out of the file keep their current value.
type JsonConfig struct {
	Identity                     string            `json:"identity"`
	EndpointAddrGRPC             string            `json:"endpoint_addr_grpc"`
	DatabaseDSN                  string            `json:"database_dsn"`
	SecretKey                    string            `json:"secret_key"`
	MasterPassword               string            `json:"master_password"`
	MasterSalt                   string            `json:"master_salt"`
	AccessTokenValidityDuration  timex.Duration    `json:"access_token_validity_duration"`
	TransitTokenValidityDuration timex.Duration    `json:"transit_token_validity_duration"`
	S3RootUser                   string            `json:"s3_root_user"`
	S3RootPassword               string            `json:"s3_root_password"`
	S3Bucket                     string            `json:"s3_bucket"`
	S3Region                     string            `json:"s3_region"`
	S3BaseEndpoint               string            `json:"s3_base_endpoint"`
	OutboxWorkers                int               `json:"outbox_workers"`
	OutboxLeaseDuration          timex.Duration    `json:"outbox_lease_duration"`
	OutboxPollInterval           timex.Duration    `json:"outbox_poll_interval"`
	OutboxInitialBackoff         timex.Duration    `json:"outbox_initial_backoff"`
	OutboxMaxBackoff             timex.Duration    `json:"outbox_max_backoff"`
	OutboxMaxAttempts            int               `json:"outbox_max_attempts"`
	InboxWorkers                 int               `json:"inbox_workers"`
	InboxInterval                timex.Duration    `json:"inbox_interval"`
	InboxLeaseDuration           timex.Duration    `json:"inbox_lease_duration"`
	PeerCallTimeout              timex.Duration    `json:"peer_call_timeout"`
	Peers                        map[string]string `json:"peers"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

// parseJson loads configuration values from the file named by -c / -config
// into config. Without the flag nothing is loaded. An unreadable file or
// invalid JSON panics.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	setString(&config.Identity, c.Identity)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.MasterPassword, c.MasterPassword)
	setString(&config.MasterSalt, c.MasterSalt)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setDuration(&config.TransitTokenValidityDuration, c.TransitTokenValidityDuration)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	setInt(&config.OutboxWorkers, c.OutboxWorkers)
	setDuration(&config.OutboxLeaseDuration, c.OutboxLeaseDuration)
	setDuration(&config.OutboxPollInterval, c.OutboxPollInterval)
	setDuration(&config.OutboxInitialBackoff, c.OutboxInitialBackoff)
	setDuration(&config.OutboxMaxBackoff, c.OutboxMaxBackoff)
	setInt(&config.OutboxMaxAttempts, c.OutboxMaxAttempts)

	setInt(&config.InboxWorkers, c.InboxWorkers)
	setDuration(&config.InboxInterval, c.InboxInterval)
	setDuration(&config.InboxLeaseDuration, c.InboxLeaseDuration)

	setDuration(&config.PeerCallTimeout, c.PeerCallTimeout)
	if len(c.Peers) > 0 {
		if config.Peers == nil {
			config.Peers = make(map[string]string, len(c.Peers))
		}
		for identity, addr := range c.Peers {
			config.Peers[identity] = addr
		}
	}
}
