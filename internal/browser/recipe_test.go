package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-batch/internal/model"
)

const sampleRecipe = `
base_url: https://seller.example.com
login:
  url: https://seller.example.com/login
  actions:
    - {action: type, selector: "#email", value: "{email}"}
    - {action: type, selector: "#password", value: "{password}"}
    - {action: click, selector: "button[type=submit]"}
  success_selector: ".dashboard"
steps:
  "2":
    url: https://seller.example.com/products
    per_task:
      - {action: type, selector: "#search", value: "{keyword}"}
      - {action: click, selector: "//li[text()='{group}']", xpath: true}
  "31":
    url: https://seller.example.com/detail
    per_task:
      - {action: sleep, ms: 500}
    count_selector: ".total"
`

func TestParseRecipeDefaultsAndLookup(t *testing.T) {
	r, err := ParseRecipe([]byte(sampleRecipe))
	require.NoError(t, err)
	assert.Equal(t, 3, r.MaxTaskFailures)
	assert.Equal(t, 60, r.Login.TimeoutSeconds)

	sr, ok := r.StepFor("22")
	require.True(t, ok, "family digit entry serves 22")
	assert.Len(t, sr.PerTask, 2)

	sr, ok = r.StepFor("312")
	require.True(t, ok, "3x entry serves its sub-steps")
	assert.Equal(t, ".total", sr.CountSelector)

	_, ok = r.StepFor("4")
	assert.False(t, ok)
}

func TestParseRecipeRejectsUnknownAction(t *testing.T) {
	_, err := ParseRecipe([]byte(`
steps:
  "1":
    per_item:
      - {action: drag, selector: "#x"}
`))
	require.Error(t, err)
}

func TestParseRecipeRejectsUnknownStep(t *testing.T) {
	_, err := ParseRecipe([]byte("steps:\n  \"77\": {url: x}\n"))
	assert.True(t, model.IsConfigError(err, model.ConfigUnknownStep))
}

func TestVarsExpand(t *testing.T) {
	v := taskVars(model.Account{AccountID: "a@example.com", Password: "pw"}, model.Task{ProviderCode: "K1", TargetGroup: "G1"}, Limits{ProductLimit: 7})
	assert.Equal(t, "find K1 into G1 as a@example.com (7)", v.Expand("find {keyword} into {group} as {email} ({product_limit})"))
	assert.Equal(t, "{unknown}", v.Expand("{unknown}"))
}

func TestDryRunDriver(t *testing.T) {
	ctx := context.Background()
	d := &DryRunDriver{InitialCount: 10, FailKeywords: []string{"K2"}}

	s, err := d.Open(ctx, model.Account{AccountID: "a@example.com", Password: "pw"}, Options{})
	require.NoError(t, err)
	ok, err := s.Login(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := s.RunStep(ctx, "21", []model.Task{{ProviderCode: "K1"}, {ProviderCode: "K2"}}, Limits{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"K1"}, res.Completed)
	assert.Equal(t, []string{"K2"}, res.Failed)

	n, err := s.(Counter).CountItems(ctx, "21")
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	s2, err := d.Open(ctx, model.Account{AccountID: "b@example.com"}, Options{})
	require.NoError(t, err)
	ok, err = s2.Login(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty password is rejected")
}

func TestNewOpenerUnknownDriver(t *testing.T) {
	_, err := NewOpener("firefox", "")
	assert.True(t, model.IsConfigError(err, model.ConfigParse))
}
