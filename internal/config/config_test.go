package config

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-test")
	t.Setenv("ETCD_ENDPOINTS", "")
	t.Setenv("WORKER_SLOTS", "")
	t.Setenv("IMAGE_PULL_POLICY", "")
	t.Setenv("S3_ENDPOINT", "")
	t.Setenv("DRAIN_TIMEOUT", "")

	cfg, err := Load()
	assert.NilError(t, err)
	assert.Equal(t, cfg.WorkerID, "worker-test")
	assert.DeepEqual(t, cfg.EtcdEndpoints, []string{"localhost:2379"})
	assert.Equal(t, cfg.Slots, 1)
	assert.Equal(t, cfg.ImagePullPolicy, PullAlways)
	assert.Equal(t, cfg.HardLimitGrace, 30*time.Second)
	assert.Equal(t, cfg.StreamBuffer, 64)
	assert.Equal(t, cfg.DrainTimeout, time.Duration(0))
	assert.Check(t, !cfg.S3.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")
	t.Setenv("WORKER_SLOTS", "4")
	t.Setenv("IMAGE_PULL_POLICY", "missing")
	t.Setenv("HARD_LIMIT_GRACE", "5s")
	t.Setenv("DRAIN_TIMEOUT", "2m")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_USE_SSL", "false")

	cfg, err := Load()
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg.EtcdEndpoints, []string{"etcd-1:2379", "etcd-2:2379"})
	assert.Equal(t, cfg.Slots, 4)
	assert.Equal(t, cfg.ImagePullPolicy, PullMissing)
	assert.Equal(t, cfg.HardLimitGrace, 5*time.Second)
	assert.Equal(t, cfg.DrainTimeout, 2*time.Minute)
	assert.Check(t, cfg.S3.Enabled())
	assert.Check(t, !cfg.S3.UseSSL)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"slots not a number": {"WORKER_SLOTS": "many"},
		"zero slots":         {"WORKER_SLOTS": "0"},
		"unknown policy":     {"IMAGE_PULL_POLICY": "sometimes"},
		"bad grace":          {"HARD_LIMIT_GRACE": "soon"},
		"s3 without keys":    {"S3_ENDPOINT": "minio:9000", "S3_ACCESS_KEY": "", "S3_SECRET_KEY": ""},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Assert(t, err != nil)
		})
	}
}
