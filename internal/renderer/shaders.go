package renderer

// Built-in shader sources. Mesh shaders can be overridden from files with
// Config.ShaderDir for hot-reload.

var meshVertSrc = `#version 410 core

layout(location = 0) in vec3 aPosition;
layout(location = 1) in vec3 aNormal;
layout(location = 2) in vec2 aTexCoord;

out vec3 vPosition;
out vec3 vNormal;
out vec2 vTexCoord;
out vec4 vLightPos;

uniform mat4 uModel;
uniform mat4 uView;
uniform mat4 uProjection;
uniform mat4 uLightSpace;

void main() {
    vec4 worldPos = uModel * vec4(aPosition, 1.0);
    vPosition = worldPos.xyz;

    mat3 normalMatrix = transpose(inverse(mat3(uModel)));
    vNormal = normalize(normalMatrix * aNormal);
    vTexCoord = aTexCoord;
    vLightPos = uLightSpace * worldPos;

    gl_Position = uProjection * uView * worldPos;
}
` + "\x00"

var meshFragSrc = `#version 410 core

in vec3 vPosition;
in vec3 vNormal;
in vec2 vTexCoord;
in vec4 vLightPos;

out vec4 FragColor;

uniform sampler2D uAlbedo;
uniform sampler2DShadow uShadowMap;
uniform vec4 uBaseColor;
uniform int uAlphaMode;
uniform float uAlphaCutoff;
uniform vec3 uCameraPos;
uniform int uShadowLight;
uniform bool uShadows;

struct Light {
    vec3 direction;
    vec3 color;
    float intensity;
};

#define ALPHA_MASK 1
#define ALPHA_BLEND 2
#define MAX_LIGHTS 4
uniform Light uLights[MAX_LIGHTS];
uniform int uLightCount;
uniform vec3 uAmbientColor;

float shadowFactor() {
    vec3 p = vLightPos.xyz / vLightPos.w * 0.5 + 0.5;
    if (p.z > 1.0) {
        return 1.0;
    }
    vec2 texel = 1.0 / vec2(textureSize(uShadowMap, 0));
    float lit = 0.0;
    for (int x = -1; x <= 1; x++) {
        for (int y = -1; y <= 1; y++) {
            lit += texture(uShadowMap, vec3(p.xy + vec2(x, y) * texel, p.z));
        }
    }
    return lit / 9.0;
}

vec3 ACESFilm(vec3 x) {
    float a = 2.51;
    float b = 0.03;
    float c = 2.43;
    float d = 0.59;
    float e = 0.14;
    return clamp((x*(a*x+b))/(x*(c*x+d)+e), 0.0, 1.0);
}

void main() {
    vec4 albedo = texture(uAlbedo, vTexCoord) * uBaseColor;
    if (uAlphaMode == ALPHA_MASK) {
        if (albedo.a < uAlphaCutoff) {
            discard;
        }
        albedo.a = 1.0;
    } else if (uAlphaMode == ALPHA_BLEND) {
        if (albedo.a < 8.0 / 255.0) {
            discard;
        }
    } else {
        albedo.a = 1.0;
    }

    vec3 N = normalize(vNormal);
    if (!gl_FrontFacing) {
        N = -N;
    }
    vec3 V = normalize(uCameraPos - vPosition);

    vec3 light = uAmbientColor;
    for (int i = 0; i < uLightCount && i < MAX_LIGHTS; i++) {
        vec3 L = -normalize(uLights[i].direction);
        float NdotL = max(dot(N, L), 0.0);
        if (NdotL <= 0.0) {
            continue;
        }
        float visibility = 1.0;
        if (uShadows && i == uShadowLight) {
            visibility = shadowFactor();
        }
        vec3 H = normalize(V + L);
        float spec = pow(max(dot(N, H), 0.0), 32.0) * 0.15;
        light += uLights[i].color * uLights[i].intensity * (NdotL + spec) * visibility;
    }

    FragColor = vec4(ACESFilm(albedo.rgb * light), albedo.a);
}
` + "\x00"

var depthVertSrc = `#version 410 core

layout(location = 0) in vec3 aPosition;

uniform mat4 uModel;
uniform mat4 uLightSpace;

void main() {
    gl_Position = uLightSpace * uModel * vec4(aPosition, 1.0);
}
` + "\x00"

var depthFragSrc = `#version 410 core

void main() {
}
` + "\x00"

// quadVertSrc draws a full-screen triangle. Texture row 0 maps to the top
// of the screen, matching image.RGBA layout.
var quadVertSrc = `#version 410 core

out vec2 vTexCoord;

void main() {
    vec2 positions[3] = vec2[](
        vec2(-1.0, -1.0),
        vec2(3.0, -1.0),
        vec2(-1.0, 3.0)
    );

    gl_Position = vec4(positions[gl_VertexID], 0.0, 1.0);
    vTexCoord = vec2(positions[gl_VertexID].x * 0.5 + 0.5, 0.5 - positions[gl_VertexID].y * 0.5);
}
` + "\x00"

var quadFragSrc = `#version 410 core

in vec2 vTexCoord;
out vec4 FragColor;

uniform sampler2D uImage;

void main() {
    FragColor = texture(uImage, vTexCoord);
}
` + "\x00"
