package deploy

import (
	"errors"
	"testing"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

func TestParseCompose(t *testing.T) {
	manifest := `
services:
  web:
    image: nginx
    environment:
      MODE: prod
    ports:
      - "127.0.0.1:8080:80"
      - "53/udp"
  worker:
    image: acme/worker:1
    environment: ["QUEUE=jobs", "DEBUG"]
  assets:
    build: .
`
	compose, err := ParseCompose("shop", manifest)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if compose.Project != "shop" || len(compose.Services) != 2 {
		t.Fatalf("unexpected compose %+v", compose)
	}
	web, worker := compose.Services[0], compose.Services[1]
	if web.Name != "web" || worker.Name != "worker" {
		t.Fatalf("services not sorted: %s, %s", web.Name, worker.Name)
	}
	if web.Environment["MODE"] != "prod" {
		t.Fatalf("mapping environment not parsed: %v", web.Environment)
	}
	if worker.Environment["QUEUE"] != "jobs" {
		t.Fatalf("list environment not parsed: %v", worker.Environment)
	}
	if v, ok := worker.Environment["DEBUG"]; !ok || v != "" {
		t.Fatalf("bare variable not kept: %v", worker.Environment)
	}
	want := []domain.PortMapping{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}, {ContainerPort: 53, Protocol: "udp"}}
	if len(web.Ports) != 2 || web.Ports[0] != want[0] || web.Ports[1] != want[1] {
		t.Fatalf("ports = %+v", web.Ports)
	}
}

func TestParseComposeRejects(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"yaml":        "services: [",
		"no services": "version: '3'",
		"no source":   "services:\n  web:\n    ports: [\"80\"]\n",
		"only builds": "services:\n  web:\n    build: .\n",
		"bad port":    "services:\n  web:\n    image: nginx\n    ports: [\"http\"]\n",
		"bad name":    "services:\n  Web_1:\n    image: nginx\n",
		"env scalar":  "services:\n  web:\n    image: nginx\n    environment: prod\n",
	}
	for name, manifest := range cases {
		if _, err := ParseCompose("shop", manifest); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}
