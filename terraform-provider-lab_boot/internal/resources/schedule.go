package resources

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/tphummel/lab_boot/internal/apiclient"
	"github.com/tphummel/lab_boot/internal/models"
)

var _ resource.ResourceWithConfigure = &scheduleResource{}
var _ resource.ResourceWithImportState = &scheduleResource{}

type scheduleResource struct {
	client *apiclient.Client
}

// scheduleModel maps the Terraform schema attributes to Go values.
type scheduleModel struct {
	ID    types.String   `tfsdk:"id"`
	MAC   types.String   `tfsdk:"mac"`
	Roles []types.String `tfsdk:"roles"`
}

// NewScheduleResource is the factory function registered with the provider.
func NewScheduleResource() resource.Resource {
	return &scheduleResource{}
}

func (r *scheduleResource) Metadata(_ context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_schedule" // → "lab_boot_schedule"
}

func (r *scheduleResource) Schema(_ context.Context, _ resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Assigns roles to the discovered machine booting from a MAC address. " +
			"lab_boot never revokes a role, so removing one from the configuration only drops it from state.",
		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				Description: "Normalised boot MAC.",
				Computed:    true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"mac": schema.StringAttribute{
				Description: "Boot MAC of a machine that has reported discovery.",
				Required:    true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"roles": schema.SetAttribute{
				Description: "Roles to assign: etcd-member, kubernetes-control-plane, kubernetes-node.",
				ElementType: types.StringType,
				Required:    true,
			},
		},
	}
}

func (r *scheduleResource) Configure(_ context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
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
	r.client = client
}

func (r *scheduleResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var plan scheduleModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	if resp.Diagnostics.HasError() {
		return
	}

	mac, held, ok := r.apply(ctx, &plan, resp.Diagnostics.AddError)
	if !ok {
		return
	}
	warnExtraRoles(plan.Roles, held, mac, resp.Diagnostics.AddWarning)

	plan.ID = types.StringValue(mac)
	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

func (r *scheduleResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var state scheduleModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	roles, err := r.client.RolesByMAC(ctx, state.ID.ValueString())
	if err != nil {
		resp.Diagnostics.AddError("Error reading lab_boot_schedule", err.Error())
		return
	}
	if len(roles) == 0 {
		// The machine is gone or was never scheduled.
		resp.State.RemoveResource(ctx)
		return
	}

	state.Roles = rolesToState(roles)
	resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
}

func (r *scheduleResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var plan scheduleModel
	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	var state scheduleModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	mac, held, ok := r.apply(ctx, &plan, resp.Diagnostics.AddError)
	if !ok {
		return
	}
	warnExtraRoles(plan.Roles, held, mac, resp.Diagnostics.AddWarning)

	plan.ID = types.StringValue(mac)
	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

// Delete only forgets the schedule: lab_boot has no way to revoke a role.
func (r *scheduleResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var state scheduleModel
	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}
	resp.Diagnostics.AddWarning("Roles kept by lab_boot",
		fmt.Sprintf("%s keeps its roles; the schedule was only removed from Terraform state.", state.ID.ValueString()))
}

// ImportState enables: terraform import lab_boot_schedule.node0 00:00:00:00:00:00
func (r *scheduleResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	mac, err := models.NormalizeMAC(req.ID)
	if err != nil {
		resp.Diagnostics.AddError("Invalid import ID", err.Error())
		return
	}
	roles, err := r.client.RolesByMAC(ctx, mac)
	if err != nil {
		resp.Diagnostics.AddError("Error importing lab_boot_schedule", err.Error())
		return
	}
	if len(roles) == 0 {
		resp.Diagnostics.AddError("Schedule not found",
			fmt.Sprintf("No machine booting from %q holds a role in the lab_boot service.", mac))
		return
	}

	state := scheduleModel{
		ID:    types.StringValue(mac),
		MAC:   types.StringValue(req.ID),
		Roles: rolesToState(roles),
	}
	resp.Diagnostics.Append(resp.State.Set(ctx, &state)...)
}

// apply schedules the planned roles and returns the normalised MAC together
// with every role the machine now holds. The service accepts schedules for
// unknown MACs without effect, so an empty read-back is an error.
func (r *scheduleResource) apply(ctx context.Context, plan *scheduleModel, addError func(string, string)) (string, []models.Role, bool) {
	mac, err := models.NormalizeMAC(plan.MAC.ValueString())
	if err != nil {
		addError("Invalid mac", err.Error())
		return "", nil, false
	}
	roles, err := rolesFromPlan(plan.Roles)
	if err != nil {
		addError("Invalid roles", err.Error())
		return "", nil, false
	}

	if err := r.client.Schedule(ctx, mac, roles...); err != nil {
		addError("Error scheduling lab_boot_schedule", err.Error())
		return "", nil, false
	}
	held, err := r.client.RolesByMAC(ctx, mac)
	if err != nil {
		addError("Error reading lab_boot_schedule", err.Error())
		return "", nil, false
	}
	if len(held) == 0 {
		addError("Machine not discovered",
			fmt.Sprintf("No discovered machine boots from %s; it must report discovery before it can be scheduled.", mac))
		return "", nil, false
	}
	return mac, held, true
}

func rolesFromPlan(vals []types.String) ([]models.Role, error) {
	roles := make([]models.Role, 0, len(vals))
	for _, v := range vals {
		role, err := models.ParseRole(v.ValueString())
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func rolesToState(roles []models.Role) []types.String {
	out := make([]types.String, len(roles))
	for i, role := range roles {
		out[i] = types.StringValue(string(role))
	}
	return out
}

// warnExtraRoles reports roles the machine holds beyond the planned ones.
func warnExtraRoles(planned []types.String, held []models.Role, mac string, addWarning func(string, string)) {
	want := make(map[string]bool, len(planned))
	for _, v := range planned {
		want[v.ValueString()] = true
	}
	var extra []string
	for _, role := range held {
		if !want[string(role)] {
			extra = append(extra, string(role))
		}
	}
	if len(extra) > 0 {
		addWarning("Roles kept by lab_boot",
			fmt.Sprintf("%s also holds %s, which cannot be revoked.", mac, strings.Join(extra, ", ")))
	}
}
