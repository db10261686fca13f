package manager

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/logger"
)

// Resource 进程级资源（数据库、缓存、对象存储、消息队列）
type Resource interface {
	MustOpen()
	Close()
}

// ResourcePlugin 资源插件
type ResourcePlugin interface {
	Name() string
	MustCreateResource() Resource
}

// Component 随进程启动和停止的组件
type Component interface {
	Start() error
	Stop() error
	GetName() string
}

// ComponentPlugin 组件插件
type ComponentPlugin interface {
	Name() string
	MustCreateComponent(deps *Dependencies) Component
}

// Controller 注册 HTTP 路由
type Controller interface {
	RegisterRoutes(group *gin.RouterGroup)
}

// ControllerPlugin 控制器插件
type ControllerPlugin interface {
	Name() string
	MustCreateController(deps *Dependencies) Controller
}

// Dependencies 显式传入组件的依赖，进程启动时构造一次
type Dependencies struct {
	DB     *gorm.DB
	Config *config.Config
	// Store 为 repo.Store，JobQueue 为 *queue.Manager，PipelineApp 为 app.PipelineApp
	Store       interface{}
	JobQueue    interface{}
	PipelineApp interface{}
	// EnabledComponents 为空时启用全部组件
	EnabledComponents []string
}

type registry struct {
	mu                sync.Mutex
	resourcePlugins   []ResourcePlugin
	componentPlugins  []ComponentPlugin
	controllerPlugins []ControllerPlugin
	resources         []Resource
	components        []Component
	controllers       []Controller
}

var defaultRegistry = &registry{}

// RegisterResourcePlugin 注册资源插件，在 init 中调用
func RegisterResourcePlugin(p ResourcePlugin) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.resourcePlugins = append(defaultRegistry.resourcePlugins, p)
}

// RegisterComponentPlugin 注册组件插件
func RegisterComponentPlugin(p ComponentPlugin) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.componentPlugins = append(defaultRegistry.componentPlugins, p)
}

// RegisterControllerPlugin 注册控制器插件
func RegisterControllerPlugin(p ControllerPlugin) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.controllerPlugins = append(defaultRegistry.controllerPlugins, p)
}

// MustInitResources 按注册顺序打开所有资源，失败直接 panic
func MustInitResources() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	for _, p := range defaultRegistry.resourcePlugins {
		r := p.MustCreateResource()
		r.MustOpen()
		defaultRegistry.resources = append(defaultRegistry.resources, r)
		logger.Infof("Resource opened name=%s", p.Name())
	}
}

// CloseResources 逆序关闭资源
func CloseResources() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	for i := len(defaultRegistry.resources) - 1; i >= 0; i-- {
		defaultRegistry.resources[i].Close()
	}
	defaultRegistry.resources = nil
}

func enabled(deps *Dependencies, name string) bool {
	if deps == nil || len(deps.EnabledComponents) == 0 {
		return true
	}
	for _, n := range deps.EnabledComponents {
		if n == name {
			return true
		}
	}
	return false
}

// MustInitComponents 创建并启动组件
func MustInitComponents(deps *Dependencies) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	for _, p := range defaultRegistry.componentPlugins {
		if !enabled(deps, p.Name()) {
			logger.Infof("Component skipped name=%s", p.Name())
			continue
		}
		c := p.MustCreateComponent(deps)
		if err := c.Start(); err != nil {
			panic(fmt.Sprintf("failed to start component %s: %v", p.Name(), err))
		}
		defaultRegistry.components = append(defaultRegistry.components, c)
		logger.Infof("Component started name=%s", c.GetName())
	}
}

// MustInitControllers 创建控制器
func MustInitControllers(deps *Dependencies) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	for _, p := range defaultRegistry.controllerPlugins {
		defaultRegistry.controllers = append(defaultRegistry.controllers, p.MustCreateController(deps))
	}
}

// RegisterAllRoutes 将控制器路由挂到 /api/v1
func RegisterAllRoutes(engine *gin.Engine) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	group := engine.Group("/api/v1")
	for _, c := range defaultRegistry.controllers {
		c.RegisterRoutes(group)
	}
}

// Shutdown 逆序停止组件
func Shutdown() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	for i := len(defaultRegistry.components) - 1; i >= 0; i-- {
		c := defaultRegistry.components[i]
		if err := c.Stop(); err != nil {
			logger.Warnf("Component stop failed name=%s error=%v", c.GetName(), err)
		}
	}
	defaultRegistry.components = nil
}
