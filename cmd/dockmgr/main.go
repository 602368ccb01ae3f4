package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/fahrettinrizaergin/docker-manager/pkg/api/client"
)

var buildVersion = "dev"

// app carries state shared by every subcommand.
type app struct {
	apiBase string
	timeout time.Duration
	cfg     cliConfig
}

func main() {
	a := &app{}
	if err := a.rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if apiclient.IsRetryable(err) {
			fmt.Fprintln(os.Stderr, "the node may be temporarily unreachable; try again shortly")
		}
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dockmgr",
		Short:         "Manage organizations, projects, containers and nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       strings.TrimSpace(buildVersion),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(a.apiBase) != "" {
				cfg.APIBaseURL = a.apiBase
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.apiBase, "api", "", "API base URL (default "+defaultAPIBase+")")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		a.loginCommand(),
		a.whoamiCommand(),
		a.orgCommand(),
		a.projectCommand(),
		a.containerCommand(),
		a.deployCommand(),
		a.nodeCommand(),
		a.statsCommand(),
	)
	return root
}

func (a *app) client() (*apiclient.Client, error) {
	return apiclient.New(a.cfg.APIBaseURL)
}

// session returns a client and the stored access token.
func (a *app) session() (*apiclient.Client, string, error) {
	token := strings.TrimSpace(a.cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'dockmgr login'")
	}
	cli, err := a.client()
	if err != nil {
		return nil, "", err
	}
	return cli, token, nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func (a *app) loginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(password)
			if secret == "" {
				fmt.Print("Password: ")
				bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Print("\n")
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				secret = string(bytes)
			}
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			resp, err := cli.Login(ctx, email, secret)
			if err != nil {
				return err
			}
			a.cfg.AccessToken = resp.Tokens.AccessToken
			a.cfg.RefreshToken = resp.Tokens.RefreshToken
			if err := saveConfig(a.cfg); err != nil {
				return err
			}
			fmt.Printf("logged in as %s (%s)\n", resp.User.Email, resp.User.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			user, err := cli.Me(ctx, token)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", user.ID, user.Email, user.Role)
			return nil
		},
	}
}

func (a *app) orgCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage organizations"}
	var page, size int
	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			orgs, err := cli.ListOrganizations(ctx, token, page, size)
			if err != nil {
				return err
			}
			tw := table()
			fmt.Fprintln(tw, "ID\tSLUG\tNAME\tACTIVE")
			for _, o := range orgs.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", o.ID, o.Slug, o.Name, o.IsActive)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&size, "page-size", 20, "items per page")

	var name, description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			org, err := cli.CreateOrganization(ctx, token, name, description)
			if err != nil {
				return err
			}
			fmt.Printf("organization created: %s (%s)\n", org.ID, org.Slug)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "organization name")
	create.Flags().StringVar(&description, "description", "", "description")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(list, create)
	return cmd
}

func (a *app) projectCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	var orgID string
	var page, size int
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			projects, err := cli.ListProjects(ctx, token, orgID, page, size)
			if err != nil {
				return err
			}
			tw := table()
			fmt.Fprintln(tw, "ID\tORGANIZATION\tSLUG\tSTATUS")
			for _, p := range projects.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.OrganizationID, p.Slug, p.Status)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&orgID, "org", "", "organization id filter")
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&size, "page-size", 20, "items per page")

	var input apiclient.CreateProjectInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			project, err := cli.CreateProject(ctx, token, input)
			if err != nil {
				return err
			}
			fmt.Printf("project created: %s (%s)\n", project.ID, project.Slug)
			return nil
		},
	}
	create.Flags().StringVar(&input.OrganizationID, "org", "", "organization id")
	create.Flags().StringVar(&input.Name, "name", "", "project name")
	create.Flags().StringVar(&input.Description, "description", "", "description")
	_ = create.MarkFlagRequired("org")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(list, create)
	return cmd
}

func (a *app) containerCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "container", Short: "Manage containers"}
	var projectID string
	var page, size int
	list := &cobra.Command{
		Use:   "list",
		Short: "List containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			containers, err := cli.ListContainers(ctx, token, projectID, page, size)
			if err != nil {
				return err
			}
			tw := table()
			fmt.Fprintln(tw, "ID\tNAME\tIMAGE\tSTATUS\tNODE")
			for _, c := range containers.Data {
				node := "-"
				if c.NodeID != nil {
					node = *c.NodeID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%s\t%s\n", c.ID, c.Name, c.Image, c.Tag, c.Status, node)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&projectID, "project", "", "project id filter")
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&size, "page-size", 20, "items per page")

	var input apiclient.CreateContainerInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Define an image-based container",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			c, err := cli.CreateContainer(ctx, token, input)
			if err != nil {
				return err
			}
			fmt.Printf("container created: %s (%s)\n", c.ID, c.Status)
			return nil
		},
	}
	create.Flags().StringVar(&input.ProjectID, "project", "", "project id")
	create.Flags().StringVar(&input.NodeID, "node", "", "node id")
	create.Flags().StringVar(&input.Name, "name", "", "container name")
	create.Flags().StringVar(&input.Image, "image", "", "image reference")
	create.Flags().StringVar(&input.Tag, "tag", "latest", "image tag")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(list, create)
	for _, action := range []string{"start", "stop", "restart", "pause", "unpause"} {
		cmd.AddCommand(a.containerActionCommand(action))
	}

	var withVolumes bool
	remove := &cobra.Command{
		Use:   "delete <container-id>",
		Short: "Delete a container and its runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			if err := cli.DeleteContainer(ctx, token, args[0], withVolumes); err != nil {
				return err
			}
			fmt.Println("container deleted")
			return nil
		},
	}
	remove.Flags().BoolVar(&withVolumes, "with-volumes", false, "also remove volumes")
	cmd.AddCommand(remove)
	return cmd
}

func (a *app) containerActionCommand(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <container-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			c, err := cli.ContainerAction(ctx, token, args[0], action)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", c.ID, c.Status)
			return nil
		},
	}
}

func (a *app) deployCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "deploy", Short: "Trigger and inspect deployments"}

	var provider string
	var follow bool
	trigger := &cobra.Command{
		Use:   "trigger <container-id>",
		Short: "Deploy a container from its configured source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			dep, err := cli.TriggerDeployment(ctx, token, args[0], provider)
			cancel()
			if err != nil {
				return err
			}
			fmt.Printf("deployment triggered: %s status=%s\n", dep.ID, dep.Status)
			if !follow {
				return nil
			}
			return followDeployment(cmd.Context(), cli, token, dep.ID)
		},
	}
	trigger.Flags().StringVar(&provider, "provider", "", "override the source provider (registry|git|compose)")
	trigger.Flags().BoolVarP(&follow, "follow", "f", false, "stream logs until the deployment finishes")

	var limit int
	list := &cobra.Command{
		Use:   "list <container-id>",
		Short: "List recent deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			deps, err := cli.ListDeployments(ctx, token, args[0], limit)
			if err != nil {
				return err
			}
			tw := table()
			fmt.Fprintln(tw, "ID\tPROVIDER\tTRIGGER\tSTATUS\tSTARTED")
			for _, d := range deps.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Provider, d.Trigger, d.Status, d.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 10, "maximum number of deployments")

	logs := &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print deployment logs, following until completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			return followDeployment(cmd.Context(), cli, token, args[0])
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel an in-flight deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			dep, err := cli.CancelDeployment(ctx, token, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", dep.ID, dep.Status)
			return nil
		},
	}

	cmd.AddCommand(trigger, list, logs, cancelCmd)
	return cmd
}

// followDeployment polls logs until the deployment reaches a terminal status.
func followDeployment(ctx context.Context, cli *apiclient.Client, token, deploymentID string) error {
	offset := 0
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		lines, err := cli.DeploymentLogs(ctx, token, deploymentID, offset, 500)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l.Line)
		}
		offset += len(lines)
		if len(lines) == 0 {
			dep, err := cli.GetDeployment(ctx, token, deploymentID)
			if err != nil {
				return err
			}
			if dep.Terminal() {
				if dep.Error != "" {
					return fmt.Errorf("deployment %s %s: %s", dep.ID, dep.Status, dep.Error)
				}
				fmt.Printf("deployment %s %s\n", dep.ID, dep.Status)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *app) nodeCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Manage Docker nodes"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			nodes, err := cli.ListNodes(ctx, token, 1, 100)
			if err != nil {
				return err
			}
			tw := table()
			fmt.Fprintln(tw, "ID\tNAME\tHOST\tSTATUS\tDOCKER\tLATENCY")
			for _, n := range nodes.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\n", n.ID, n.Name, n.Host, n.Status, n.DockerVersion, n.LastLatencyMS)
			}
			return tw.Flush()
		},
	}

	var input apiclient.RegisterNodeInput
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a node (administrators only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			n, err := cli.RegisterNode(ctx, token, input)
			if err != nil {
				return err
			}
			fmt.Printf("node registered: %s status=%s\n", n.ID, n.Status)
			return nil
		},
	}
	register.Flags().StringVar(&input.Name, "name", "", "node name")
	register.Flags().StringVar(&input.Host, "host", "", "docker host, e.g. tcp://10.0.0.5:2376 or unix:///var/run/docker.sock")
	register.Flags().StringVar(&input.Description, "description", "", "description")
	_ = register.MarkFlagRequired("name")
	_ = register.MarkFlagRequired("host")

	test := &cobra.Command{
		Use:   "test <node-id>",
		Short: "Probe a node's engine now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			res, err := cli.TestNode(ctx, token, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%dms\t%s\n", res.NodeID, res.Status, res.LatencyMS, res.Error)
			return nil
		},
	}

	cmd.AddCommand(list, register, test)
	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, token, err := a.session()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			s, err := cli.DashboardStats(ctx, token)
			if err != nil {
				return err
			}
			tw := table()
			fmt.Fprintf(tw, "organizations\t%d\n", s.Organizations)
			fmt.Fprintf(tw, "projects\t%d\n", s.Projects)
			fmt.Fprintf(tw, "containers\t%d (%d running)\n", s.Containers, s.ActiveContainers)
			fmt.Fprintf(tw, "nodes\t%d (%d online)\n", s.Nodes, s.OnlineNodes)
			return tw.Flush()
		},
	}
}
