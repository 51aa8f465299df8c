package tribunal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonathan/court-capture/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var systemDefaults = Timeouts{
	OpLogin:       60 * time.Second,
	OpRedirect:    30 * time.Second,
	OpNetworkIdle: 15 * time.Second,
	OpAPI:         30 * time.Second,
}

func TestProfile_TimeoutFallback(t *testing.T) {
	p := trtProfile("TRT3", types.InstanceFirstDegree, "https://pje.trt3.jus.br")
	p.CustomTimeouts = Timeouts{OpLogin: 2 * time.Minute}

	d, err := p.Timeout(OpLogin, systemDefaults)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	d, err = p.Timeout(OpAPI, systemDefaults)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestProfile_TimeoutNeverZero(t *testing.T) {
	p := trtProfile("TRT3", types.InstanceFirstDegree, "https://pje.trt3.jus.br")
	p.CustomTimeouts = Timeouts{OpAPI: 0}

	_, err := p.Timeout(OpAPI, Timeouts{})
	var mte *MissingTimeoutError
	require.ErrorAs(t, err, &mte)
	assert.Equal(t, OpAPI, mte.Operation)

	_, err = p.EffectiveTimeouts(Timeouts{OpLogin: time.Second})
	assert.Error(t, err)

	all, err := p.EffectiveTimeouts(systemDefaults)
	require.NoError(t, err)
	assert.Len(t, all, len(Operations))
	for _, op := range Operations {
		assert.Positive(t, all[op], op)
	}
}

func TestProfile_Validate(t *testing.T) {
	p := trtProfile("TRT3", types.InstanceFirstDegree, "https://pje.trt3.jus.br")
	require.NoError(t, p.Validate())

	bad := p
	bad.AccessMode = "whatever"
	assert.Error(t, bad.Validate())

	bad = p
	bad.BaseURL = "not a url"
	assert.Error(t, bad.Validate())

	bad = *p.Clone()
	bad.CustomTimeouts = Timeouts{OpLogin: -time.Second}
	assert.Error(t, bad.Validate())
}

func TestTimeouts_JSONMilliseconds(t *testing.T) {
	b, err := json.Marshal(Timeouts{OpLogin: 90 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"login":90000}`, string(b))

	var got Timeouts
	require.NoError(t, json.Unmarshal([]byte(`{"api":1500}`), &got))
	assert.Equal(t, 1500*time.Millisecond, got[OpAPI])
}

func TestLoadProfilesYAML(t *testing.T) {
	content := `
profiles:
  - tribunal_code: TRT3
    tribunal_name: Tribunal Regional do Trabalho da 3a Regiao
    instance: primeiro_grau
    access_mode: primeiro_grau
    base_url: https://pje.trt3.jus.br
    login_url: https://pje.trt3.jus.br/primeirograu/login.seam
    api_url: https://pje.trt3.jus.br/pje-comum-api/api
    timeouts:
      login: 90s
  - tribunal_code: TST
    system: pje
    instance: tribunal_superior
    access_mode: unico
    base_url: https://pje.tst.jus.br
    login_url: https://pje.tst.jus.br/tst/login.seam
    api_url: https://pje.tst.jus.br/pje-comum-api/api
`
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	profiles, err := LoadProfilesYAML(path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "pje", profiles[0].System)
	assert.Equal(t, 90*time.Second, profiles[0].CustomTimeouts[OpLogin])
	assert.Equal(t, AccessSingle, profiles[1].AccessMode)
	assert.True(t, profiles[1].AccessMode.CollapsesInstances())
}

func TestParseProfilesYAML_Invalid(t *testing.T) {
	_, err := ParseProfilesYAML([]byte(`
profiles:
  - tribunal_code: TRT3
    instance: primeiro_grau
    access_mode: primeiro_grau
    base_url: https://pje.trt3.jus.br
    login_url: https://pje.trt3.jus.br/login
    api_url: https://pje.trt3.jus.br/api
    timeouts:
      login: soon
`))
	assert.ErrorContains(t, err, "invalid login timeout")

	_, err = ParseProfilesYAML([]byte(`
profiles:
  - tribunal_code: TRT3
    instance: quarto_grau
    access_mode: primeiro_grau
    base_url: https://pje.trt3.jus.br
    login_url: https://pje.trt3.jus.br/login
    api_url: https://pje.trt3.jus.br/api
`))
	assert.Error(t, err)

	_, err = LoadProfilesYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCheckAccessMix(t *testing.T) {
	first := trtProfile("TRT3", types.InstanceFirstDegree, "https://pje.trt3.jus.br")
	second := trtProfile("TRT3", types.InstanceSecondDegree, "https://pje.trt3.jus.br")
	unified := trtProfile("TRT3", types.InstanceFirstDegree, "https://pje.trt3.jus.br")
	unified.AccessMode = AccessUnified
	other := trtProfile("TRT1", types.InstanceSecondDegree, "https://pje.trt1.jus.br")
	other.AccessMode = AccessUnified

	tests := []struct {
		name     string
		p        Profile
		existing []Profile
		wantErr  bool
	}{
		{"split instances", second, []Profile{first}, false},
		{"replaces own row", unified, []Profile{first}, false},
		{"other tribunal ignored", first, []Profile{other}, false},
		{"unified next to split row", unified, []Profile{second}, true},
		{"split row next to unified", second, []Profile{unified}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAccessMix(&tt.p, tt.existing)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var mixed *MixedAccessError
			require.ErrorAs(t, err, &mixed)
			assert.Equal(t, "TRT3", mixed.Tribunal)
		})
	}
}

func TestParseProfilesYAML_RejectsMixedAccess(t *testing.T) {
	_, err := ParseProfilesYAML([]byte(`
profiles:
  - tribunal_code: TRT3
    instance: primeiro_grau
    access_mode: unificado
    base_url: https://pje.trt3.jus.br
    login_url: https://pje.trt3.jus.br/login
    api_url: https://pje.trt3.jus.br/api
  - tribunal_code: TRT3
    instance: segundo_grau
    access_mode: segundo_grau
    base_url: https://pje.trt3.jus.br
    login_url: https://pje.trt3.jus.br/login
    api_url: https://pje.trt3.jus.br/api
`))
	var mixed *MixedAccessError
	require.ErrorAs(t, err, &mixed)
	assert.Equal(t, types.InstanceSecondDegree, mixed.Instance)
	assert.Equal(t, types.InstanceFirstDegree, mixed.Existing)
}
