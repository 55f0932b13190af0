package datasources

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/tphummel/lab_boot/internal/apiclient"
	"github.com/tphummel/lab_boot/internal/models"
)

// Ensure full interface compliance at compile time.
var _ datasource.DataSource = &machinesDataSource{}
var _ datasource.DataSourceWithConfigure = &machinesDataSource{}

type machinesDataSource struct {
	client *apiclient.Client
}

// NewMachinesDataSource is the factory function registered with the provider.
func NewMachinesDataSource() datasource.DataSource {
	return &machinesDataSource{}
}

type machinesDataSourceModel struct {
	Roles    []types.String     `tfsdk:"roles"`
	Machines []machineDataModel `tfsdk:"machines"`
}

type machineDataModel struct {
	MAC     types.String   `tfsdk:"mac"`
	IPv4    types.String   `tfsdk:"ipv4"`
	CIDRv4  types.String   `tfsdk:"cidrv4"`
	Gateway types.String   `tfsdk:"gateway"`
	FQDN    types.String   `tfsdk:"fqdn"`
	Roles   []types.String `tfsdk:"roles"`
}

func (d *machinesDataSource) Metadata(_ context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_machines" // → "lab_boot_machines"
}

func (d *machinesDataSource) Schema(_ context.Context, _ datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Lists discovered machines by role. Without roles it lists the machines that hold none.",
		Attributes: map[string]schema.Attribute{
			"roles": schema.ListAttribute{
				Description: "One role lists every machine holding it; several list the machines holding exactly that set.",
				ElementType: types.StringType,
				Optional:    true,
			},
			"machines": schema.ListNestedAttribute{
				Description: "Machines returned by the scheduler, by their boot interface.",
				Computed:    true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"mac":     schema.StringAttribute{Computed: true, Description: "Boot MAC."},
						"ipv4":    schema.StringAttribute{Computed: true, Description: "Boot IPv4 address."},
						"cidrv4":  schema.StringAttribute{Computed: true, Description: "Boot address in CIDR notation."},
						"gateway": schema.StringAttribute{Computed: true, Description: "Default gateway."},
						"fqdn":    schema.StringAttribute{Computed: true, Description: "Fully qualified host name."},
						"roles": schema.ListAttribute{
							Computed:    true,
							ElementType: types.StringType,
							Description: "Every role the machine holds.",
						},
					},
				},
			},
		},
	}
}

func (d *machinesDataSource) Configure(_ context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}
	client, ok := req.ProviderData.(*apiclient.Client)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected provider data type",
			fmt.Sprintf("Expected *apiclient.Client, got %T", req.ProviderData),
		)
		return
	}
	d.client = client
}

func (d *machinesDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var state machinesDataSourceModel
	resp.Diagnostics.Append(req.Config.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	state.Machines = []machineDataModel{}
	if len(state.Roles) == 0 {
		machines, err := d.client.Available(ctx)
		if err != nil {
			resp.Diagnostics.AddError("Error listing available lab_boot machines", err.Error())
			return
		}
		for _, m := range machines {
			state.Machines = append(state.Machines, toMachineData(m, nil))
		}
		resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
		return
	}

	roles := make([]models.Role, 0, len(state.Roles))
	for _, v := range state.Roles {
		role, err := models.ParseRole(v.ValueString())
		if err != nil {
			resp.Diagnostics.AddError("Invalid roles", err.Error())
			return
		}
		roles = append(roles, role)
	}

	machines, err := d.client.MachinesByRoles(ctx, roles...)
	if err != nil {
		resp.Diagnostics.AddError("Error listing lab_boot machines", err.Error())
		return
	}
	for _, m := range machines {
		state.Machines = append(state.Machines, toMachineData(m.MachineSummary, m.Roles))
	}
	resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
}

func toMachineData(m models.MachineSummary, roles []models.Role) machineDataModel {
	out := machineDataModel{
		MAC:     types.StringValue(m.MAC),
		IPv4:    types.StringValue(m.IPv4),
		CIDRv4:  types.StringValue(m.CIDRv4),
		Gateway: types.StringValue(m.Gateway),
		FQDN:    types.StringValue(m.FQDN),
		Roles:   make([]types.String, len(roles)),
	}
	for i, role := range roles {
		out.Roles[i] = types.StringValue(string(role))
	}
	return out
}
