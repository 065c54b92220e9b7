package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/config"
)

const conformingDockerfile = `FROM python:3.9-slim

WORKDIR /app

# Install dependencies first so the layer is reused across code changes
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt

COPY . .

RUN mkdir -p datasets/transactions datasets/projects && \
    useradd -m appuser && \
    chown -R appuser:appuser /app

USER appuser

ENV PYTHONPATH=/app
ENV FLASK_ENV=production

EXPOSE 5000

CMD ["gunicorn", "--workers", "4", "--bind", "0.0.0.0:5000", "app:app"]
`

func imageConfig(t *testing.T, dockerfile string) config.ImageConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644))
	return config.ImageConfig{
		Name:         "acme/backend",
		ContextDir:   dir,
		Dockerfile:   "Dockerfile",
		Port:         5000,
		User:         "appuser",
		RequiredDirs: []string{"datasets/transactions", "datasets/projects"},
		Env:          []string{"PYTHONPATH=/app", "FLASK_ENV=production"},
		Workers:      4,
	}
}

func TestCheckDefinitionConforming(t *testing.T) {
	cfg := imageConfig(t, conformingDockerfile)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, result.Err())
}

func TestCheckDefinitionAppCopyBeforeDeps(t *testing.T) {
	cfg := imageConfig(t, `FROM python:3.9-slim
WORKDIR /app
COPY . .
RUN pip install --no-cache-dir -r requirements.txt
RUN mkdir -p datasets/transactions datasets/projects
USER appuser
ENV PYTHONPATH=/app
ENV FLASK_ENV=production
EXPOSE 5000
CMD ["gunicorn", "app:app"]
`)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "layer-cache")
}

func TestCheckDefinitionMissingUser(t *testing.T) {
	cfg := imageConfig(t, `FROM python:3.9-slim
COPY requirements.txt .
RUN pip install -r requirements.txt
COPY . .
RUN mkdir -p datasets/transactions datasets/projects
ENV PYTHONPATH=/app FLASK_ENV=production
EXPOSE 5000
CMD ["python", "app.py"]
`)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "run as root")
}

func TestCheckDefinitionExplicitRootUser(t *testing.T) {
	cfg := imageConfig(t, `FROM python:3.9-slim
COPY requirements.txt .
RUN pip install -r requirements.txt
COPY . .
USER root
EXPOSE 5000
CMD ["python", "app.py"]
`)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "switches to root")
}

func TestCheckDefinitionPortNotExposed(t *testing.T) {
	cfg := imageConfig(t, `FROM python:3.9-slim
COPY requirements.txt .
RUN pip install -r requirements.txt
COPY . .
USER appuser
EXPOSE 8080
CMD ["python", "app.py"]
`)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "port 5000 is not exposed")
}

func TestCheckDefinitionExposeWithProtocol(t *testing.T) {
	cfg := imageConfig(t, conformingDockerfile)
	dockerfile := filepath.Join(cfg.ContextDir, cfg.Dockerfile)
	data, err := os.ReadFile(dockerfile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dockerfile, []byte(string(data)+"\nEXPOSE 5000/tcp\n"), 0o644))
	cfg.Port = 5000

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
}

func TestCheckDefinitionMissingStartCommand(t *testing.T) {
	cfg := imageConfig(t, `FROM python:3.9-slim
COPY requirements.txt .
RUN pip install -r requirements.txt
COPY . .
USER appuser
EXPOSE 5000
`)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "no start command")
}

func TestCheckDefinitionMissingDirsAndEnvAreWarnings(t *testing.T) {
	cfg := imageConfig(t, `FROM python:3.9-slim
COPY requirements.txt .
RUN pip install -r requirements.txt
COPY . .
USER appuser
EXPOSE 5000
CMD ["python", "app.py"]
`)

	result, err := CheckDefinition(cfg)
	require.NoError(t, err)
	assert.NoError(t, result.Err(), "missing directories and env are advisory, not blocking")
	assert.Contains(t, result.Warnings, "required runtime directory datasets/transactions is not created")
	assert.Contains(t, result.Warnings, "required runtime directory datasets/projects is not created")
	assert.Contains(t, result.Warnings, "expected environment setting PYTHONPATH=/app not found")
	assert.Contains(t, result.Warnings, "expected environment setting FLASK_ENV=production not found")
}

func TestCheckDefinitionMissingFile(t *testing.T) {
	cfg := config.ImageConfig{
		Name:       "acme/backend",
		ContextDir: t.TempDir(),
		Dockerfile: "Dockerfile",
		Port:       5000,
	}

	_, err := CheckDefinition(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read build definition")
}

func TestParseInstructionsContinuationsAndComments(t *testing.T) {
	instructions := parseInstructions(`# build stage
FROM python:3.9-slim

RUN pip install \
    --no-cache-dir \
    -r requirements.txt
`)

	require.Len(t, instructions, 2)
	assert.Equal(t, "FROM", instructions[0].keyword)
	assert.Equal(t, "RUN", instructions[1].keyword)
	assert.Contains(t, instructions[1].args, "pip install")
	assert.Contains(t, instructions[1].args, "-r requirements.txt")
}

func TestParseEnvPairs(t *testing.T) {
	assert.Equal(t, []string{"PYTHONPATH=/app", "FLASK_ENV=production"}, parseEnvPairs("PYTHONPATH=/app FLASK_ENV=production"))
	assert.Equal(t, []string{"PYTHONPATH=/app"}, parseEnvPairs("PYTHONPATH /app"))
	assert.Nil(t, parseEnvPairs("LONELY"))
}

func TestIsAppCopy(t *testing.T) {
	assert.True(t, isAppCopy(". ."))
	assert.True(t, isAppCopy("./ /app"))
	assert.False(t, isAppCopy("requirements.txt ."))
	assert.False(t, isAppCopy("."))
}
