// Package hetzner implements pkg/provider.Provider against the Hetzner
// Cloud API. No Go SDK for Hetzner ships anywhere in this project's
// dependency set, so the driver is a thin typed wrapper over
// https://api.hetzner.cloud/v1 built on resty.
package hetzner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/metrics"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/go-resty/resty/v2"
)

const baseURL = "https://api.hetzner.cloud/v1"

// Driver is the Hetzner Cloud backend. It is safe for concurrent use by
// multiple cluster workers.
type Driver struct {
	client *resty.Client
}

// New builds a Driver authenticated with apiToken. The client retries
// 429/5xx and connection errors with exponential backoff: 1s initial wait,
// doubling, capped at 30s, up to 6 attempts total.
func New(apiToken string) *Driver {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiToken).
		SetRetryCount(5).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	return &Driver{client: c}
}

// Factory adapts New to provider.Factory, reading the API token out of a
// cluster's ProviderConfig under the "api_token" key.
func Factory(credentials map[string]string) (provider.Provider, error) {
	token := credentials["api_token"]
	if token == "" {
		return nil, fmt.Errorf("hetzner: provider_config missing required \"api_token\"")
	}
	return New(token), nil
}

func (d *Driver) Name() string { return "hetzner" }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func (d *Driver) do(ctx context.Context, operation string, req *resty.Request, method, path string) (*resty.Response, error) {
	timer := metrics.NewTimer()
	envelope := &errorEnvelope{}
	req.SetError(envelope)
	resp, err := req.SetContext(ctx).Execute(method, path)
	outcome := "success"
	defer func() { timer.ObserveDurationVec(metrics.ProviderCallDuration, operation, outcome) }()
	if err != nil {
		outcome = "error"
		return resp, fmt.Errorf("hetzner %s: %w", operation, err)
	}
	if resp.IsError() {
		outcome = "error"
		if resp.StatusCode() == http.StatusUnprocessableEntity && envelope.Error.Code == "uniqueness_error" {
			return resp, errAlreadyExists
		}
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			return resp, fmt.Errorf("hetzner %s: authentication error: %s", operation, envelope.Error.Message)
		}
		return resp, fmt.Errorf("hetzner %s: %s (%s)", operation, envelope.Error.Message, envelope.Error.Code)
	}
	return resp, nil
}

var errAlreadyExists = fmt.Errorf("hetzner: resource already exists")

type sshKeyResponse struct {
	SSHKey struct {
		ID int64 `json:"id"`
	} `json:"ssh_key"`
}

func (d *Driver) EnsureSSHKey(ctx context.Context, clusterID, name, publicKey string) (string, error) {
	body := map[string]any{
		"name":       name,
		"public_key": publicKey,
		"labels":     provider.Labels{ClusterID: clusterID}.AsMap(),
	}
	out := &sshKeyResponse{}
	_, err := d.do(ctx, "ensure_ssh_key", d.client.R().SetBody(body).SetResult(out), http.MethodPost, "/ssh_keys")
	if err == errAlreadyExists {
		return d.findSSHKeyByName(ctx, name)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", out.SSHKey.ID), nil
}

func (d *Driver) findSSHKeyByName(ctx context.Context, name string) (string, error) {
	var out sshKeyResponse
	_, err := d.do(ctx, "find_ssh_key", d.client.R().SetQueryParam("name", name).SetResult(&out), http.MethodGet, "/ssh_keys")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", out.SSHKey.ID), nil
}

type firewallResponse struct {
	Firewall struct {
		ID int64 `json:"id"`
	} `json:"firewall"`
}

func (d *Driver) EnsureFirewall(ctx context.Context, clusterID, name string, rules provider.FirewallRules) (string, error) {
	fwRules := []map[string]any{
		{"direction": "in", "protocol": "tcp", "port": "22", "source_ips": orDefault(rules.AllowSSHFrom, []string{"0.0.0.0/0", "::/0"})},
		{"direction": "in", "protocol": "tcp", "port": "6443", "source_ips": orDefault(rules.AllowAPIFrom, []string{"0.0.0.0/0", "::/0"})},
	}
	body := map[string]any{
		"name":   name,
		"labels": provider.Labels{ClusterID: clusterID}.AsMap(),
		"rules":  fwRules,
	}
	out := &firewallResponse{}
	_, err := d.do(ctx, "ensure_firewall", d.client.R().SetBody(body).SetResult(out), http.MethodPost, "/firewalls")
	if err == errAlreadyExists {
		return d.findByLabelName(ctx, "firewalls", "id", clusterID, name)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", out.Firewall.ID), nil
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

type networkResponse struct {
	Network struct {
		ID int64 `json:"id"`
	} `json:"network"`
}

func (d *Driver) EnsureNetwork(ctx context.Context, clusterID, name, ipRange string) (string, error) {
	body := map[string]any{
		"name":     name,
		"ip_range": ipRange,
		"labels":   provider.Labels{ClusterID: clusterID}.AsMap(),
	}
	out := &networkResponse{}
	_, err := d.do(ctx, "ensure_network", d.client.R().SetBody(body).SetResult(out), http.MethodPost, "/networks")
	if err == errAlreadyExists {
		return d.findByLabelName(ctx, "networks", "id", clusterID, name)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", out.Network.ID), nil
}

// findByLabelName re-resolves a resource's ID on the adopt-on-exists path,
// since Hetzner's create endpoints do not return the existing resource's
// body on a uniqueness_error.
func (d *Driver) findByLabelName(ctx context.Context, resourcePath, idField, clusterID, name string) (string, error) {
	var out map[string]any
	_, err := d.do(ctx, "find_"+resourcePath, d.client.R().
		SetQueryParam("name", name).
		SetQueryParam("label_selector", "dip/cluster="+clusterID).
		SetResult(&out), http.MethodGet, "/"+resourcePath)
	if err != nil {
		return "", err
	}
	items, ok := out[resourcePath].([]any)
	if !ok || len(items) == 0 {
		return "", fmt.Errorf("hetzner: %s named %q not found after adopt", resourcePath, name)
	}
	first, ok := items[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("hetzner: unexpected %s payload shape", resourcePath)
	}
	id, ok := first[idField]
	if !ok {
		return "", fmt.Errorf("hetzner: %s missing %s field", resourcePath, idField)
	}
	return fmt.Sprintf("%v", id), nil
}

type serverResponse struct {
	Server serverBody `json:"server"`
}

// serverBody is a server object: wrapped under "server" in single-server
// responses, bare in the "servers" array of list responses.
type serverBody struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
	PrivateNet []struct {
		IP string `json:"ip"`
	} `json:"private_net"`
	Labels map[string]string `json:"labels"`
}

func toServer(r serverResponse) *provider.Server {
	s := &provider.Server{
		ID:       fmt.Sprintf("%d", r.Server.ID),
		Name:     r.Server.Name,
		PublicIP: r.Server.PublicNet.IPv4.IP,
		Status:   r.Server.Status,
		Labels:   r.Server.Labels,
	}
	if len(r.Server.PrivateNet) > 0 {
		s.PrivateIP = r.Server.PrivateNet[0].IP
	}
	return s
}

func (d *Driver) CreateServer(ctx context.Context, spec provider.ServerSpec) (*provider.Server, error) {
	body := map[string]any{
		"name":        spec.Name,
		"server_type": spec.NodeType,
		"image":       "ubuntu-24.04",
		"location":    spec.Region,
		"ssh_keys":    []string{spec.SSHKeyID},
		"user_data":   spec.UserData,
		"labels":      spec.Labels.AsMap(),
	}
	out := &serverResponse{}
	_, err := d.do(ctx, "create_server", d.client.R().SetBody(body).SetResult(out), http.MethodPost, "/servers")
	if err == errAlreadyExists {
		existing, lookupErr := d.getServerByName(ctx, spec.Name)
		if lookupErr != nil {
			return nil, lookupErr
		}
		log.Info(fmt.Sprintf("adopted existing hetzner server %q", spec.Name))
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return toServer(*out), nil
}

func (d *Driver) getServerByName(ctx context.Context, name string) (*provider.Server, error) {
	var list struct {
		Servers []serverBody `json:"servers"`
	}
	_, err := d.do(ctx, "get_server_by_name", d.client.R().SetQueryParam("name", name).SetResult(&list), http.MethodGet, "/servers")
	if err != nil {
		return nil, err
	}
	for _, s := range list.Servers {
		return toServer(serverResponse{Server: s}), nil
	}
	return nil, fmt.Errorf("hetzner: server %q not found after adopt", name)
}

func (d *Driver) DeleteServer(ctx context.Context, serverID string) error {
	_, err := d.do(ctx, "delete_server", d.client.R(), http.MethodDelete, "/servers/"+serverID)
	return err
}

func (d *Driver) GetServer(ctx context.Context, serverID string) (*provider.Server, error) {
	out := &serverResponse{}
	_, err := d.do(ctx, "get_server", d.client.R().SetResult(out), http.MethodGet, "/servers/"+serverID)
	if err != nil {
		return nil, err
	}
	return toServer(*out), nil
}

func (d *Driver) ListServersByLabel(ctx context.Context, clusterID string) ([]*provider.Server, error) {
	var list struct {
		Servers []serverBody `json:"servers"`
	}
	_, err := d.do(ctx, "list_servers", d.client.R().
		SetQueryParam("label_selector", "dip/cluster="+clusterID).
		SetResult(&list), http.MethodGet, "/servers")
	if err != nil {
		return nil, err
	}
	servers := make([]*provider.Server, 0, len(list.Servers))
	for _, s := range list.Servers {
		servers = append(servers, toServer(serverResponse{Server: s}))
	}
	return servers, nil
}

type volumeResponse struct {
	Volume struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		Size int    `json:"size"`
	} `json:"volume"`
}

func (d *Driver) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (*provider.Volume, error) {
	body := map[string]any{
		"name":     spec.Name,
		"size":     spec.SizeGiB,
		"location": spec.Region,
		"labels":   spec.Labels.AsMap(),
		"format":   "ext4",
	}
	out := &volumeResponse{}
	_, err := d.do(ctx, "create_volume", d.client.R().SetBody(body).SetResult(out), http.MethodPost, "/volumes")
	if err != nil {
		return nil, err
	}
	return &provider.Volume{ID: fmt.Sprintf("%d", out.Volume.ID), Name: out.Volume.Name, SizeGiB: out.Volume.Size, Status: "available"}, nil
}

func (d *Driver) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := d.do(ctx, "delete_volume", d.client.R(), http.MethodDelete, "/volumes/"+volumeID)
	return err
}

func (d *Driver) AttachVolume(ctx context.Context, volumeID, serverID string) error {
	body := map[string]any{"server": serverID, "automount": true}
	_, err := d.do(ctx, "attach_volume", d.client.R().SetBody(body), http.MethodPost, "/volumes/"+volumeID+"/actions/attach")
	return err
}

func (d *Driver) DetachVolume(ctx context.Context, volumeID string) error {
	_, err := d.do(ctx, "detach_volume", d.client.R(), http.MethodPost, "/volumes/"+volumeID+"/actions/detach")
	return err
}

func (d *Driver) DeleteFirewall(ctx context.Context, firewallID string) error {
	_, err := d.do(ctx, "delete_firewall", d.client.R(), http.MethodDelete, "/firewalls/"+firewallID)
	return err
}

func (d *Driver) DeleteNetwork(ctx context.Context, networkID string) error {
	_, err := d.do(ctx, "delete_network", d.client.R(), http.MethodDelete, "/networks/"+networkID)
	return err
}

// TeardownByLabel walks every resource kind by dip/cluster label so leaked
// resources from a partial create are still reclaimed by a later delete.
func (d *Driver) TeardownByLabel(ctx context.Context, clusterID string) error {
	servers, err := d.ListServersByLabel(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("teardown: list servers: %w", err)
	}
	for _, s := range servers {
		if err := d.DeleteServer(ctx, s.ID); err != nil {
			return fmt.Errorf("teardown: delete server %s: %w", s.Name, err)
		}
	}

	var volumes struct {
		Volumes []volumeResponse `json:"volumes"`
	}
	if _, err := d.do(ctx, "list_volumes", d.client.R().
		SetQueryParam("label_selector", "dip/cluster="+clusterID).
		SetResult(&volumes), http.MethodGet, "/volumes"); err != nil {
		return fmt.Errorf("teardown: list volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if err := d.DeleteVolume(ctx, fmt.Sprintf("%d", v.Volume.ID)); err != nil {
			return fmt.Errorf("teardown: delete volume %s: %w", v.Volume.Name, err)
		}
	}

	var networks struct {
		Networks []networkResponse `json:"networks"`
	}
	if _, err := d.do(ctx, "list_networks", d.client.R().
		SetQueryParam("label_selector", "dip/cluster="+clusterID).
		SetResult(&networks), http.MethodGet, "/networks"); err != nil {
		return fmt.Errorf("teardown: list networks: %w", err)
	}
	for _, n := range networks.Networks {
		if err := d.DeleteNetwork(ctx, fmt.Sprintf("%d", n.Network.ID)); err != nil {
			return fmt.Errorf("teardown: delete network: %w", err)
		}
	}

	var firewalls struct {
		Firewalls []firewallResponse `json:"firewalls"`
	}
	if _, err := d.do(ctx, "list_firewalls", d.client.R().
		SetQueryParam("label_selector", "dip/cluster="+clusterID).
		SetResult(&firewalls), http.MethodGet, "/firewalls"); err != nil {
		return fmt.Errorf("teardown: list firewalls: %w", err)
	}
	for _, f := range firewalls.Firewalls {
		if err := d.DeleteFirewall(ctx, fmt.Sprintf("%d", f.Firewall.ID)); err != nil {
			return fmt.Errorf("teardown: delete firewall: %w", err)
		}
	}

	return nil
}

var _ provider.Provider = (*Driver)(nil)
