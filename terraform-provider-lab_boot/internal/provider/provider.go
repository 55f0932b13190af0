package provider

import (
	"context"
	"os"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/tphummel/lab_boot/internal/apiclient"
	"github.com/tphummel/lab_boot/terraform-provider-lab_boot/internal/datasources"
	"github.com/tphummel/lab_boot/terraform-provider-lab_boot/internal/resources"
)

// New returns the provider factory function expected by providerserver.Serve.
func New() provider.Provider {
	return &labBootProvider{}
}

type labBootProvider struct{}

func (p *labBootProvider) Metadata(_ context.Context, _ provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "lab_boot"
}

func (p *labBootProvider) Schema(_ context.Context, _ provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Assigns cluster roles to network-booted machines known to the lab_boot service.",
		Attributes: map[string]schema.Attribute{
			"endpoint": schema.StringAttribute{
				Description: "Base URL of the lab_boot API (e.g. http://boot.lab.local:8080). " +
					"Can also be set via the LAB_BOOT_ENDPOINT environment variable.",
				Optional: true,
			},
			"token": schema.StringAttribute{
				Description: "Bearer token for the lab_boot scheduler. " +
					"Can also be set via the API_TOKEN environment variable.",
				Optional:  true,
				Sensitive: true,
			},
		},
	}
}

type labBootProviderModel struct {
	Endpoint types.String `tfsdk:"endpoint"`
	Token    types.String `tfsdk:"token"`
}

func (p *labBootProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var config labBootProviderModel
	resp.Diagnostics.Append(req.Config.Get(ctx, &config)...)
	if resp.Diagnostics.HasError() {
		return
	}

	endpoint := os.Getenv("LAB_BOOT_ENDPOINT")
	if !config.Endpoint.IsNull() && !config.Endpoint.IsUnknown() {
		endpoint = config.Endpoint.ValueString()
	}
	if endpoint == "" {
		resp.Diagnostics.AddError("Missing endpoint",
			"endpoint must be set in the provider configuration or via the LAB_BOOT_ENDPOINT environment variable.")
		return
	}

	token := os.Getenv("API_TOKEN")
	if !config.Token.IsNull() && !config.Token.IsUnknown() {
		token = config.Token.ValueString()
	}
	if token == "" {
		resp.Diagnostics.AddError("Missing token",
			"token must be set in the provider configuration or via the API_TOKEN environment variable.")
		return
	}

	client := apiclient.NewClient(endpoint, token)
	resp.ResourceData = client
	resp.DataSourceData = client
}

func (p *labBootProvider) Resources(_ context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		resources.NewScheduleResource,
	}
}

func (p *labBootProvider) DataSources(_ context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		datasources.NewMachinesDataSource,
	}
}
