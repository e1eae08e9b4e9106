package main

import (
	"fmt"
	"os"

	adam "github.com/GrantWise/adam-6051-influxdb-logger-sub003"
)

type TemplateListCommand struct {
	Dir    string `short:"d" long:"dir" default:"templates" description:"Template directory" env:"ADAM_TEMPLATE_DIR"`
	Filter string `short:"f" long:"filter" description:"Substring match on template id or name"`
}

func (c *TemplateListCommand) Execute(args []string) error {
	repo, err := adam.NewTemplateRepository(c.Dir, logger())
	if err != nil {
		return err
	}
	list := repo.List(c.Filter)
	if len(list) == 0 {
		fmt.Println("No templates.")
		return nil
	}
	for _, t := range list {
		fmt.Printf("%-24v %-32v %v fields, confidence %.1f\n",
			t.TemplateID, t.Name, len(t.Fields), t.ConfidenceScore)
	}
	return nil
}

type TemplateShowCommand struct {
	Dir  string `short:"d" long:"dir" default:"templates" description:"Template directory" env:"ADAM_TEMPLATE_DIR"`
	Args struct {
		ID string `positional-arg-name:"template-id" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func (c *TemplateShowCommand) Execute(args []string) error {
	repo, err := adam.NewTemplateRepository(c.Dir, logger())
	if err != nil {
		return err
	}
	t, err := repo.Get(c.Args.ID)
	if err != nil {
		return err
	}
	data, err := adam.EncodeTemplate(t)
	if err != nil {
		return err
	}
	fmt.Printf("%s", data)
	return nil
}

type TemplatePutCommand struct {
	Dir  string `short:"d" long:"dir" default:"templates" description:"Template directory" env:"ADAM_TEMPLATE_DIR"`
	Args struct {
		File string `positional-arg-name:"template.json" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func (c *TemplatePutCommand) Execute(args []string) error {
	data, err := os.ReadFile(c.Args.File)
	if err != nil {
		return err
	}
	t, err := adam.ParseTemplate(data)
	if err != nil {
		return err
	}
	repo, err := adam.NewTemplateRepository(c.Dir, logger())
	if err != nil {
		return err
	}
	id, err := repo.Put(t)
	if err != nil {
		return err
	}
	fmt.Printf("Stored template %v\n", id)
	return nil
}

type TemplateDeleteCommand struct {
	Dir  string `short:"d" long:"dir" default:"templates" description:"Template directory" env:"ADAM_TEMPLATE_DIR"`
	Args struct {
		ID string `positional-arg-name:"template-id" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func (c *TemplateDeleteCommand) Execute(args []string) error {
	repo, err := adam.NewTemplateRepository(c.Dir, logger())
	if err != nil {
		return err
	}
	if err := repo.Delete(c.Args.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted template %v\n", c.Args.ID)
	return nil
}

type TemplateCommands struct {
	List   TemplateListCommand   `command:"list" alias:"ls" description:"List templates"`
	Show   TemplateShowCommand   `command:"show" alias:"get" description:"Print one template as JSON"`
	Put    TemplatePutCommand    `command:"put" alias:"import" description:"Validate and store a template file"`
	Delete TemplateDeleteCommand `command:"delete" alias:"rm" description:"Delete a template"`
}
